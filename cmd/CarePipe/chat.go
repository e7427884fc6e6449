package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

const chatHelp = `commands:
  /styles                          list selectable styles
  /style <id>                      prefer a style (no id clears it)
  /feedback satisfied|unsatisfied  answer the summary check
  /card                            generate the care card
  /state                           show the session state
  /reset                           start over
  /debug                           toggle decision summaries
  /quit                            leave`

func newChatCommand(a *app) *cobra.Command {
	var session, dsn string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the engine in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			c, err := buildEngine(ctx, a.cfg, dsn, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer c.Close()
			if session == "" {
				session = "cli:" + uuid.NewString()
			}
			return runChat(ctx, c.engine, session, a.cfg.Debug, a.cfg.StateDir)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to resume (default: a new one)")
	cmd.Flags().StringVar(&dsn, "store", "memory", "store DSN for this chat")
	return cmd
}

func newStylesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "List the selectable conversation styles",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildEngine(context.Background(), a.cfg, "memory", prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer c.Close()
			printStyles(cmd.OutOrStdout(), c.engine.Styles())
			return nil
		},
	}
}

func printStyles(w io.Writer, styles []models.StyleProfile) {
	for _, s := range styles {
		if s.Internal {
			continue
		}
		fmt.Fprintf(w, "%-16s %s  %s\n", cyan(s.ID), s.Name, gray(s.Description))
	}
}

func runChat(ctx context.Context, engine *flow.Engine, session string, debug bool, stateDir string) error {
	historyFile := ""
	if stateDir != "" {
		historyFile = filepath.Join(stateDir, ".chat_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            green("你") + " > ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	r := &repl{engine: engine, session: session, debug: debug, out: rl.Stdout()}
	fmt.Fprintf(r.out, "%s session %s, /help for commands\n", gray("CarePipe"), session)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.handle(ctx, line) {
			return nil
		}
	}
}

// repl executes chat lines against one session.
type repl struct {
	engine  *flow.Engine
	session string
	debug   bool
	out     io.Writer
}

// handle runs one input line and reports whether the chat continues.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		r.turn(ctx, line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/styles":
		printStyles(r.out, r.engine.Styles())
	case "/style":
		st, err := r.engine.SetStylePreference(ctx, r.session, arg)
		if err != nil {
			r.fail(err)
			return true
		}
		fmt.Fprintf(r.out, "%s style preference: %q\n", gray("·"), st.StylePreference)
	case "/feedback":
		res, err := r.engine.SubmitFeedback(ctx, r.session, models.FeedbackSignal(arg))
		if err != nil {
			r.fail(err)
			return true
		}
		fmt.Fprintf(r.out, "%s stage=%s turn=%d\n", gray("·"), res.Stage, res.TurnCount)
		if res.ShowInviteButton {
			fmt.Fprintln(r.out, yellow("可以为你生成一张关怀卡片，输入 /card 试试。"))
		}
	case "/card":
		res, err := r.engine.GenerateCard(ctx, r.session)
		if err != nil {
			r.fail(err)
			return true
		}
		fmt.Fprintf(r.out, "%s %s\n", cyan("卡片"), res.Reply)
		if res.Fallback {
			fmt.Fprintf(r.out, "%s card fallback: %s\n", yellow("!"), res.FallbackReason)
		}
	case "/state":
		st, err := r.engine.State(ctx, r.session)
		if err != nil {
			r.fail(err)
			return true
		}
		fmt.Fprintf(r.out, "%s stage=%s turn=%d mode=%s style=%q version=%d completed=%v\n", gray("·"),
			st.Stage, st.TurnCount, st.Mode, st.StylePreference, st.Version, st.CompletedSteps)
	case "/reset":
		if err := r.engine.Reset(ctx, r.session); err != nil {
			r.fail(err)
			return true
		}
		fmt.Fprintln(r.out, gray("· session reset"))
	case "/debug":
		r.debug = !r.debug
		fmt.Fprintf(r.out, "%s debug=%t\n", gray("·"), r.debug)
	default:
		fmt.Fprintf(r.out, "%s unknown command %s, /help lists them\n", yellow("!"), cmd)
	}
	return true
}

func (r *repl) turn(ctx context.Context, text string) {
	res, err := r.engine.HandleTurn(ctx, flow.TurnRequest{SessionID: r.session, Text: text})
	if err != nil {
		r.fail(err)
		return
	}
	fmt.Fprintf(r.out, "%s > %s\n", cyan("CarePipe"), res.Reply)
	if r.debug {
		fmt.Fprintln(r.out, gray(flow.DebugSummary(res)))
	}
	if res.ShowSatisfactionButtons {
		fmt.Fprintln(r.out, yellow("这样的理解符合你的感受吗？/feedback satisfied 或 /feedback unsatisfied"))
	}
	if res.ShowInviteButton {
		fmt.Fprintln(r.out, yellow("可以为你生成一张关怀卡片，输入 /card 试试。"))
	}
}

func (r *repl) fail(err error) {
	fmt.Fprintf(r.out, "%s %v\n", red("error:"), err)
}
