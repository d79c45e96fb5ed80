package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"collabSession/backend/internal/config"
	"collabSession/backend/internal/evaluation"
	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/ot/delta"
	"collabSession/backend/internal/question"
	"collabSession/backend/internal/session"
	"collabSession/backend/internal/transport"
)

// 一个最小的终端参与者：普通输入追加到文档末尾，冒号开头的是命令
const usage = `commands:
  <text>        append a line to the shared document
  :chat <text>  send a chat message
  :submit       run the test cases
  :end          request to end the session
  :cancel       cancel the end request
  :confirm      confirm ending the session
  :exit         leave after the session ended
  :show         print the document`

func main() {
	var (
		room        = pflag.String("room", "", "room id (required)")
		participant = pflag.String("participant", "", "participant id (required)")
		name        = pflag.String("name", "", "display name")
		token       = pflag.String("token", "", "access token for the relay")
		questionID  = pflag.String("question", "", "question id to load the template from")
		language    = pflag.String("language", "python", "python, java or c")
		cfgPath     = pflag.String("config", "", "path to clientConfig.yaml")
	)
	pflag.Parse()
	if *room == "" || *participant == "" {
		fmt.Fprintln(os.Stderr, "--room and --participant are required")
		pflag.Usage()
		os.Exit(2)
	}

	var paths []string
	if *cfgPath != "" {
		paths = append(paths, *cfgPath)
	}
	cfg, err := config.LoadClient(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{
		Service: "collab-client",
		Level:   logger.ParseLevel(cfg.Logging.Level),
		Env:     logger.ParseEnv(cfg.Logging.Env),
		Backend: logger.Backend(cfg.Logging.Backend),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := session.Config{
		RoomID:        *room,
		ParticipantID: *participant,
		DisplayName:   *name,
		QuestionID:    *questionID,
		Language:      *language,
		Evaluator:     evaluation.NewClient(cfg.Evaluation.URL, cfg.Evaluation.Timeout),
		InitTimeout:   cfg.Connect.InitTimeout,
		Dial: session.DialRelay(transport.Options{
			URL:            cfg.Collab.URL,
			DisplayName:    *name,
			Token:          *token,
			ConnectTimeout: cfg.Connect.Timeout,
			MaxAttempts:    cfg.Connect.MaxAttempts,
		}),
	}
	if *questionID != "" && cfg.Question.URL != "" {
		qc := question.NewClient(cfg.Question.URL, 5*time.Second)
		q, err := qc.Get(ctx, *questionID)
		if err != nil {
			log.Error("load question failed", "questionId", *questionID, "err", err)
			os.Exit(1)
		}
		sc.QuestionTitle = q.Title
		sc.Template = q.Template(*language)
		sc.TestCases = q.TestCases()
	}

	ctrl := session.NewController(sc)
	ctrl.OnTransition(func(t session.Transition) {
		if t.Cause != "" {
			fmt.Printf("[state] %s -> %s (%s)\n", t.From, t.To, t.Cause)
			return
		}
		fmt.Printf("[state] %s -> %s\n", t.From, t.To)
	})
	ctrl.OnRemoteEdit(func([]delta.Delta) {
		fmt.Printf("[doc] partner edited, %d chars\n", len([]rune(ctrl.Text())))
	})
	ctrl.OnChat(func(senderID, text string) {
		fmt.Printf("[chat] %s: %s\n", senderID, text)
	})

	res, err := ctrl.Join(ctx)
	if err != nil {
		log.Error("join failed", "roomId", *room, "err", err)
		os.Exit(1)
	}
	defer ctrl.Leave(context.Background())
	fmt.Printf("joined room %s at version %d, state %s\n", *room, res.Version, ctrl.State())
	fmt.Println(res.Document)
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			printSummary(ctrl.Summary())
			return
		case line, ok := <-lines:
			if !ok {
				printSummary(ctrl.Summary())
				return
			}
			if done := run(ctx, ctrl, line); done {
				printSummary(ctrl.Summary())
				return
			}
		}
	}
}

// run 执行一行输入，返回 true 表示退出
func run(ctx context.Context, ctrl *session.Controller, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch cmd {
	case ":chat":
		err = ctrl.Chat(ctx, arg)
	case ":submit":
		var results []evaluation.Result
		results, err = ctrl.Submit(ctx)
		for i, r := range results {
			fmt.Printf("case %d: passed=%v expected=%q actual=%q\n", i+1, r.Passed, r.Expected, r.Actual)
		}
	case ":end":
		err = ctrl.RequestEnd()
	case ":cancel":
		err = ctrl.CancelEnd()
	case ":confirm":
		err = ctrl.ConfirmEnd(ctx)
	case ":exit":
		if err = ctrl.Exit(); err == nil {
			return true
		}
	case ":show":
		fmt.Println(ctrl.Text())
	default:
		n := len([]rune(ctrl.Text()))
		text := line
		if n > 0 {
			text = "\n" + line
		}
		err = ctrl.Edit(ctx, delta.At(n, text))
	}
	if err != nil {
		fmt.Printf("[error] %v\n", err)
		if errors.Is(err, session.ErrConnection) {
			return true
		}
	}
	return false
}

func printSummary(s session.Summary) {
	fmt.Printf("\nroom %s  state %s  cause %s  duration %s\n", s.RoomID, s.State, s.Cause, s.Duration)
	if s.QuestionTitle != "" {
		fmt.Printf("question %s (%s)\n", s.QuestionTitle, s.Language)
	}
	passed := 0
	for _, r := range s.Results {
		if r.Passed {
			passed++
		}
	}
	if len(s.Results) > 0 {
		fmt.Printf("tests passed %d/%d\n", passed, len(s.Results))
	}
	fmt.Println(s.FinalCode)
}
