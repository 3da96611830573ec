package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/anvaya/chatrelay/internal/client"
	"github.com/anvaya/chatrelay/internal/logger"
	"github.com/anvaya/chatrelay/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	openCmd.Flags().String("log-level", "warn", "client log level")
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open PEER",
	Short: "Open an interactive conversation with PEER",
	Long: `Open prints the conversation and then sends every line you type.
Commands: /delete ID, /retry TOKEN, /read, /quit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		log, err := logger.New(level, "console")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return runSession(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), args[0], log)
	},
}

func runSession(ctx context.Context, in io.Reader, out io.Writer, peer string, log *zap.Logger) error {
	live, err := client.DialLive(ctx, liveURL(opts.server), opts.token, log.Named("live"))
	if err != nil {
		return err
	}
	defer live.Close()

	rest := restClient()
	v := newView(out)

	var s *session.Session
	s = session.New(opts.user, peer, rest, live, rest, session.Options{
		Logger:   log.Named("session"),
		OnChange: func() { v.render(s) },
	})
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	if err := s.MarkRead(ctx); err != nil {
		log.Debug("mark read", zap.Error(err))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	liveDone := live.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-liveDone:
			v.notice("live connection lost, messages are sent over REST")
			liveDone = nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, v, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit.
func handleLine(ctx context.Context, s *session.Session, v *view, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "/quit":
		return true
	case "/delete":
		err = s.Delete(ctx, arg)
	case "/retry":
		err = s.Retry(ctx, arg)
	case "/read":
		err = s.MarkRead(ctx)
	default:
		if strings.HasPrefix(cmd, "/") {
			err = fmt.Errorf("unknown command %s", cmd)
			break
		}
		_, err = s.Send(ctx, line, "")
	}
	if err != nil {
		v.notice("error: " + err.Error())
	}
	return false
}

// view prints conversation changes incrementally.
type view struct {
	mu     sync.Mutex
	out    io.Writer
	shown  map[string]bool // message id -> deleted when printed
	failed map[string]bool
}

func newView(out io.Writer) *view {
	return &view{out: out, shown: make(map[string]bool), failed: make(map[string]bool)}
}

func (v *view) render(s *session.Session) {
	if s == nil {
		return
	}
	msgs := s.Messages()
	pending := s.Pending()

	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range msgs {
		m := &msgs[i]
		deleted, seen := v.shown[m.ID]
		switch {
		case !seen:
			fmt.Fprintln(v.out, formatMessage(m))
		case m.Deleted && !deleted:
			fmt.Fprintf(v.out, "  message #%s was deleted\n", m.ID)
		default:
			continue
		}
		v.shown[m.ID] = m.Deleted
	}

	for _, p := range pending {
		if p.Status == session.Failed && !v.failed[p.Token] {
			v.failed[p.Token] = true
			fmt.Fprintf(v.out, "  not sent: %q (%s), /retry %s\n", p.Content, p.Err, p.Token)
		}
		if p.Status == session.Sending {
			delete(v.failed, p.Token)
		}
	}
}

func (v *view) notice(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, "* "+msg)
}
