// Package nntp has wire-level NNTP definitions: reply codes, response line
// classification and the newsgroup statistics type.
package nntp

// Reply codes of interest to the client engine.
var (
	C200Ready           = 200
	C201ReadyNoPosting  = 201
	C205Closing         = 205
	C211GroupSelected   = 211
	C220ArticleFollows  = 220
	C221HeadFollows     = 221
	C222BodyFollows     = 222
	C223ArticleExists   = 223
	C224OverviewFollows = 224
	C240ArticlePosted   = 240
	C281AuthAccepted    = 281

	C340SendArticle  = 340
	C381AuthContinue = 381

	C480AuthRequired = 480
)

// RespKind is the classification of a single NNTP response line.
type RespKind int

const (
	// Status 1xx, 2xx or 3xx with a space or end-of-line after the code.
	RespSuccess RespKind = iota

	// Status 480: command needs authentication first.
	RespAuthRequired

	// Status 381: continue with AUTHINFO PASS.
	RespAuthContinue

	// Any other status, or a line too short to carry one.
	RespError
)

// Classify interprets a response line received after a command. The leading
// status digit decides: 1/2/3 with a 4th character that is a space or
// end-of-line is success, with 381 singled out as the authentication
// continuation; 480 requests authentication; everything else, including
// malformed lines shorter than a status code, is an error.
func Classify(line string) RespKind {
	if len(line) < 3 {
		return RespError
	}
	if (line[0] == '1' || line[0] == '2' || line[0] == '3') && (len(line) == 3 || line[3] == ' ') {
		if line[:3] == "381" {
			return RespAuthContinue
		}
		return RespSuccess
	}
	if line[:3] == "480" {
		return RespAuthRequired
	}
	return RespError
}

// Group holds the statistics returned by the GROUP command.
type Group struct {
	Name  string
	Count int // Estimated number of articles.
	First int // First article number.
	Last  int // Last article number.
}
