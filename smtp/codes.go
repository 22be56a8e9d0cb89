package smtp

// Reply codes used by the client engine.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235
	C250Completed    = 250

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail         = 421
	C432PasswdTransitionNeeded = 432
	C450MailboxUnavail         = 450
	C451LocalErr               = 451
	C452StorageFull            = 452
	C454TempAuthFail           = 454

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C530SecurityRequired  = 530
	C534AuthMechWeak      = 534
	C535AuthBadCreds      = 535
	C538EncReqForAuth     = 538
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
)
