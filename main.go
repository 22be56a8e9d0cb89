// Command crow submits mail over SMTP and posts articles over NNTP for a
// configured account, with an on-disk queue for deferred submission.
//
// The account, its servers and credentials are configured in a file in sconf
// format, see "crow config describe".
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crowmail/crow/config"
	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/nntpclient"
	"github.com/crowmail/crow/queue"
	"github.com/crowmail/crow/sendmsg"
	"github.com/crowmail/crow/smtpclient"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"send", cmdSend},
	{"post", cmdPost},
	{"queue list", cmdQueueList},
	{"queue kick", cmdQueueKick},
	{"queue drop", cmdQueueDrop},
	{"config describe", cmdConfigDescribe},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn})
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling the command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by the invoked command or Parse.
	params string // Arguments to the command.
	help   string // Additional explanation, first line is the synopsis.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// For gathering usage information we run the command and abort it right
	// after it registered its flags and params.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("crow "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) Usage() {
	cs := "crow " + strings.Join(c.words, " ")
	line := strings.TrimSpace(c.params)
	if line != "" {
		line = " " + line
	}
	fmt.Fprintf(os.Stderr, "usage: %s%s\n", cs, line)
	c.flag.SetOutput(os.Stderr)
	c.flag.PrintDefaults()
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func usage() {
	lines := []string{"crow [-config crow.conf] [-loglevel level] ..."}
	for _, c := range cmds {
		c.gather()
		x := append([]string{"crow"}, c.words...)
		if c.params != "" {
			x = append(x, c.params)
		}
		lines = append(lines, strings.Join(x, " "))
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var (
	configPath string
	queuePath  string
	loglevel   string
)

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("CROWCONF", "crow.conf"), "account configuration file, defaults to $CROWCONF with a fallback to crow.conf")
	flag.StringVar(&queuePath, "queuedb", "crow-queue.db", "database file for the outgoing queue")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.LevelStrings[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				continue next
			}
		}
		c.flag = flag.NewFlagSet("crow "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	usage()
}

func envString(k, def string) string {
	if s := os.Getenv(k); s != "" {
		return s
	}
	return def
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func mustLoadConfig() *config.Account {
	acc, err := config.Load(configPath)
	xcheckf(err, "loading config %s", configPath)
	return acc
}

// promptPassword asks for a password on the controlling terminal, so it works
// while stdin carries the message.
func promptPassword(server, user string) (string, bool) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		log.Printf("cannot prompt for password: %s", err)
		return "", false
	}
	defer tty.Close()
	fmt.Fprintf(tty, "password for %s at %s: ", user, server)
	line, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

// readMessage reads a message and converts it to wire form: CRLF line
// endings and a final CRLF.
func readMessage(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(buf), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\r\n")
	}
	return []byte(b.String()), nil
}

func newSender(c *cmd) *sendmsg.Sender {
	return sendmsg.New(nil, sendmsg.Opts{
		Prompt: promptPassword,
		OnState: func(state smtpclient.State, line string) {
			c.log.Debug("smtp session", slog.String("state", state.String()), slog.String("line", line))
		},
	})
}

func cmdSend(c *cmd) {
	c.params = "[-q] rcpt [rcpt ...] <message"
	c.help = `Submit a message read from stdin to the configured SMTP server, or pipe it
to the configured local mail command. With -q the message is stored in the
outgoing queue instead, for later delivery with "crow queue kick".`
	enqueue := c.flag.Bool("q", false, "add the message to the queue instead of sending now")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	acc := mustLoadConfig()
	msg, err := readMessage(os.Stdin)
	xcheckf(err, "reading message")

	if *enqueue {
		err := queue.Init(queuePath)
		xcheckf(err, "opening queue")
		defer queue.Shutdown()
		id, err := queue.Add(context.Background(), c.log, acc.Address, args, msg)
		xcheckf(err, "queueing message")
		fmt.Printf("queued as message %d\n", id)
		return
	}

	failed, err := newSender(c).Send(context.Background(), acc, args, msg)
	xcheckf(err, "sending message")
	for _, f := range failed {
		fmt.Fprintf(os.Stderr, "recipient failed: %s\n", smtpclient.Error(f).Error())
	}
	if len(failed) > 0 {
		os.Exit(1)
	}
}

func cmdPost(c *cmd) {
	c.params = "[-group name] <article"
	c.help = `Post an article read from stdin to the configured news server.`
	group := c.flag.String("group", "", "select this newsgroup before posting")
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	acc := mustLoadConfig()
	if acc.NNTP.Host == "" {
		log.Fatalf("no news server configured")
	}
	article, err := readMessage(os.Stdin)
	xcheckf(err, "reading article")

	ctx := context.Background()
	addr := acc.NNTP.Addr()
	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	xcheckf(err, "dialing %s", addr)
	if acc.NNTP.TLS {
		tlsconn := tls.Client(conn, &tls.Config{ServerName: acc.NNTP.Host})
		err := tlsconn.HandshakeContext(ctx)
		xcheckf(err, "tls handshake with %s", addr)
		conn = tlsconn
	}

	sess, err := nntpclient.Open(ctx, nil, conn, acc.NNTP.Host, nntpclient.Opts{User: acc.NNTP.User, Password: acc.NNTP.Password})
	xcheckf(err, "nntp session with %s", addr)
	defer sess.Close()
	if sess.AuthFailed() {
		c.log.Warn("news server rejected credentials, continuing unauthenticated")
	}

	if *group != "" {
		g, err := sess.Group(ctx, *group)
		xcheckf(err, "selecting group %s", *group)
		c.log.Debug("group selected",
			slog.String("group", g.Name),
			slog.Int("count", g.Count))
	}

	err = sess.Post(ctx, strings.NewReader(string(article)))
	xcheckf(err, "posting article")
	fmt.Println("article posted")
}

func cmdQueueList(c *cmd) {
	c.help = `List the messages in the outgoing queue.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	err := queue.Init(queuePath)
	xcheckf(err, "opening queue")
	defer queue.Shutdown()

	msgs, err := queue.List(context.Background())
	xcheckf(err, "listing queue")
	if len(msgs) == 0 {
		fmt.Println("queue is empty")
		return
	}
	for _, m := range msgs {
		fmt.Printf("%d: from %s to %s, %d bytes, queued %s, attempts %d, next attempt %s\n",
			m.ID, m.From, strings.Join(m.Recipients, ","), m.Size,
			m.Queued.Format(time.RFC3339), m.Attempts, m.NextAttempt.Format(time.RFC3339))
		if m.LastError != "" {
			fmt.Printf("\tlast error: %s\n", m.LastError)
		}
	}
}

func cmdQueueKick(c *cmd) {
	c.help = `Attempt delivery of all due messages in the outgoing queue.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	acc := mustLoadConfig()
	err := queue.Init(queuePath)
	xcheckf(err, "opening queue")
	defer queue.Shutdown()

	sender := newSender(c)
	n, err := queue.Kick(context.Background(), c.log, func(ctx context.Context, m queue.Msg) error {
		_, err := sender.SendSMTP(ctx, acc, m.Recipients, m.Message, true)
		return err
	})
	sender.CloseSession()
	xcheckf(err, "delivering from queue")
	fmt.Printf("%d message(s) delivered\n", n)
}

func cmdQueueDrop(c *cmd) {
	c.params = "id"
	c.help = `Remove a message from the outgoing queue without delivering it.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing message id")

	err = queue.Init(queuePath)
	xcheckf(err, "opening queue")
	defer queue.Shutdown()

	err = queue.Drop(context.Background(), id)
	xcheckf(err, "dropping message")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">crow.conf"
	c.help = `Write an annotated example account configuration to stdout.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}
