package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/zhouzirui/z-tavern/playthrough/internal/config"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/api"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/session"
)

var (
	characterStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	narratorStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	hintStyle      = lipgloss.NewStyle().Faint(true)
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	storyID := flag.Int("story", 0, "故事 ID")
	version := flag.Int("version", 0, "故事版本，0 表示已发布版本，-1 表示草稿")
	apiKey := flag.String("api-key", cfg.Play.APIKey, "草稿版本需要的 API Key")
	token := flag.String("token", "", "已有的 playthrough token，留空则新建")
	playthroughID := flag.Int("playthrough", 0, "已有 token 对应的 playthrough ID")
	sceneIndex := flag.Int("scene", 0, "起始场景序号")
	useSpeech := flag.Bool("speech", cfg.Play.SpeechDefault, "请求语音合成")
	codec := flag.String("codec", cfg.Play.WireCodec, "房间编码: json 或 cbor")
	timeout := flag.Duration("timeout", 30*time.Second, "HTTP 请求超时时间")
	verbose := flag.Bool("v", false, "输出会话日志")

	flag.Parse()

	if *token == "" && *storyID <= 0 {
		flag.Usage()
		log.Fatal("请通过 -story 指定故事，或通过 -token 复用已有 playthrough")
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.Default()
	}

	cfg.Play.WireCodec = *codec
	emitter := events.NewEmitter()

	roomClient, err := cfg.Play.NewRoomClient(logger)
	if err != nil {
		log.Fatalf("房间客户端创建失败: %v", err)
	}
	gateway, err := cfg.Play.NewGateway(emitter, logger)
	if err != nil {
		log.Fatalf("网关创建失败: %v", err)
	}

	sessions := session.NewManager(session.ClientJoiner(roomClient), session.Options{
		RoomKind:    cfg.Play.RoomKind,
		JoinTimeout: cfg.Play.JoinTimeout,
		Emitter:     emitter,
		Logger:      logger,
	})
	sessions.SetSpeech(*useSpeech)

	ready := make(chan struct{}, 1)
	unsubscribe := emitter.Subscribe(func(e events.Event) {
		if _, ok := e.(events.Ready); ok {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
		printEvent(os.Stdout, e)
	})
	defer unsubscribe()

	ctx := context.Background()

	if *token == "" {
		reqCtx, cancel := context.WithTimeout(ctx, *timeout)
		resp, err := gateway.CreatePlaythroughToken(reqCtx, *storyID, *version, *apiKey)
		cancel()
		if err != nil {
			log.Fatalf("创建 token 失败: %v", err)
		}
		*token = resp.Token
		*playthroughID = resp.PlaythroughID
	}

	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	conversation, err := gateway.CreateConversation(reqCtx, *token)
	cancel()
	if err != nil {
		log.Fatalf("创建会话失败: %v", err)
	}
	conversationID := conversation.ConversationID

	sessions.Connect(*token, *playthroughID)
	select {
	case <-ready:
	case <-time.After(cfg.Play.JoinTimeout + time.Second):
		log.Fatal("等待房间就绪超时")
	}
	defer sessions.Disconnect()

	sessions.Start(conversationID, session.StartOptions{SceneIndex: *sceneIndex, UseSpeech: *useSpeech})
	fmt.Println(hintStyle.Render("输入文本回复，/tap /resume /action <name> /speech on|off /history /info /quit"))

	t := &tester{
		ctx:            ctx,
		timeout:        *timeout,
		sessions:       sessions,
		gateway:        gateway,
		token:          *token,
		conversationID: conversationID,
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !t.handleLine(strings.TrimSpace(scanner.Text())) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[ERROR] 读取输入失败: %v", err)
	}
}

type tester struct {
	ctx            context.Context
	timeout        time.Duration
	sessions       *session.Manager
	gateway        *api.Gateway
	token          string
	conversationID int
}

// handleLine 执行一行输入，返回 false 表示退出
func (t *tester) handleLine(line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		t.sessions.Reply(t.conversationID, line)
		return true
	}

	command, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "quit", "exit":
		return false
	case "tap":
		t.sessions.Tap(t.conversationID)
	case "resume":
		t.sessions.Resume(t.conversationID)
	case "action":
		if arg == "" {
			fmt.Println(errorStyle.Render("用法: /action <name>"))
			return true
		}
		t.sessions.Action(t.conversationID, arg)
	case "speech":
		t.sessions.SetSpeech(arg == "on")
		fmt.Println(systemStyle.Render(fmt.Sprintf("speech=%v", t.sessions.SpeechEnabled())))
	case "history":
		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()
		if _, err := t.gateway.GetMessageHistory(ctx, t.token, t.conversationID, 0); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
	case "info":
		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()
		if _, err := t.gateway.GetPlaythroughInfo(ctx, t.token); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
	default:
		fmt.Println(errorStyle.Render("未知命令: /" + command))
	}
	return true
}

func printEvent(w io.Writer, e events.Event) {
	switch ev := e.(type) {
	case events.MessageReceived:
		msg := ev.Event.Message
		if name := msg.CharacterName(); name != "" {
			fmt.Fprintf(w, "%s %s\n", characterStyle.Render(name+":"), msg.Text)
		} else {
			fmt.Fprintln(w, narratorStyle.Render(msg.Text))
		}
		if ev.Event.TapToContinue {
			fmt.Fprintln(w, hintStyle.Render("(/tap 继续)"))
		}
		if ev.Event.EndStory {
			fmt.Fprintln(w, systemStyle.Render("故事结束"))
		}
	case events.TypingChanged:
		if ev.Typing {
			fmt.Fprintln(w, hintStyle.Render("..."))
		}
	case events.ErrorReceived:
		fmt.Fprintln(w, errorStyle.Render("error: "+ev.Event.Error))
	case events.ConnectionChanged:
		fmt.Fprintln(w, systemStyle.Render(fmt.Sprintf("connected=%v", ev.Connected)))
	case events.MessageHistoryLoaded:
		for _, m := range ev.History.Messages {
			fmt.Fprintf(w, "%s %s %s\n", hintStyle.Render("#"+m.EventID), characterStyle.Render(m.Message.CharacterName()), m.Message.Text)
		}
	case events.PlaythroughInfoLoaded:
		for _, em := range ev.Info.Emotions {
			fmt.Fprintf(w, "%s mood=%.2f energy=%.2f relationship=%.2f\n",
				characterStyle.Render(em.Name), em.MoodPositivity, em.MoodEnergy, em.PlayerRelationship)
		}
		for _, mem := range ev.Info.Memories {
			value := "<unset>"
			if mem.SaveValue != nil {
				value = *mem.SaveValue
			}
			fmt.Fprintf(w, "%s = %s\n", systemStyle.Render(mem.RecallValue), value)
		}
	}
}
