package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
)

func outputJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show daemon status",
		Action: func(c *cli.Context) error {
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			var body struct {
				State string `json:"state"`
			}
			if err := client.get("/v1/status", &body); err != nil {
				return err
			}
			if c.Bool("json") {
				outputJSON(body)
				return nil
			}
			fmt.Printf("State: %s\n", body.State)
			return nil
		},
	}
}

type chatJSON struct {
	GUID               string `json:"guid"`
	DisplayName        string `json:"display_name"`
	Service            string `json:"service"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
}

func chatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "chats",
		Usage: "list chats",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 50},
		},
		Action: func(c *cli.Context) error {
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			var body struct {
				Chats []chatJSON `json:"chats"`
			}
			if err := client.get("/v1/chats?limit="+strconv.Itoa(c.Int("limit")), &body); err != nil {
				return err
			}
			if c.Bool("json") {
				outputJSON(body.Chats)
				return nil
			}
			for _, ch := range body.Chats {
				name := ch.DisplayName
				if name == "" {
					name = ch.GUID
				}
				unread := ""
				if ch.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", ch.UnreadCount)
				}
				fmt.Printf("%-16s  %s%s\n  %s  %s\n", formatTime(ch.LastMessageAt), name, unread, ch.Service, ch.LastMessagePreview)
			}
			return nil
		},
	}
}

type messageJSON struct {
	ChatGUID  string `json:"chat_guid"`
	MsgID     string `json:"msg_id"`
	Sender    string `json:"sender"`
	FromMe    bool   `json:"from_me"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
	Status    string `json:"status"`
}

func messagesCommand() *cli.Command {
	return &cli.Command{
		Name:      "messages",
		Usage:     "show messages for a chat",
		ArgsUsage: "<chat-guid>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: bbctl messages <chat-guid>")
			}
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			var body struct {
				Messages []messageJSON `json:"messages"`
				Total    int           `json:"total"`
			}
			path := "/v1/chats/" + url.PathEscape(c.Args().First()) + "/messages"
			if err := client.get(path, &body); err != nil {
				return err
			}
			if c.Bool("json") {
				outputJSON(body)
				return nil
			}
			// Newest first over the API; print oldest first for reading.
			for i := len(body.Messages) - 1; i >= 0; i-- {
				m := body.Messages[i]
				who := m.Sender
				if m.FromMe {
					who = "me"
				}
				fmt.Printf("[%s] %s (%s): %s\n", formatTime(m.CreatedAt), who, m.Status, m.Text)
			}
			fmt.Printf("-- %d of %d messages\n", len(body.Messages), body.Total)
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "send a text message",
		ArgsUsage: "<chat-guid> <text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Value: "auto", Usage: "delivery mode: auto, server, carrier"},
			&cli.StringFlag{Name: "effect", Usage: "expressive effect id"},
			&cli.StringFlag{Name: "reply-to", Usage: "message id to reply to"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: bbctl send <chat-guid> <text>")
			}
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			req := map[string]any{
				"text":        c.Args().Get(1),
				"mode":        c.String("mode"),
				"effect_id":   c.String("effect"),
				"reply_to_id": c.String("reply-to"),
			}
			var body struct {
				TempID  string `json:"temp_id"`
				Channel string `json:"channel"`
			}
			path := "/v1/chats/" + url.PathEscape(c.Args().First()) + "/messages"
			if err := client.post(path, req, &body); err != nil {
				return err
			}
			if c.Bool("json") {
				outputJSON(body)
				return nil
			}
			fmt.Printf("queued %s via %s\n", body.TempID, body.Channel)
			return nil
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "retry a failed send",
		ArgsUsage: "<message-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sms", Usage: "retry over the carrier channel"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: bbctl retry <message-id>")
			}
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			path := "/v1/messages/" + url.PathEscape(c.Args().First()) + "/retry"
			if c.Bool("sms") {
				path += "-sms"
			}
			if err := client.post(path, nil, nil); err != nil {
				return err
			}
			fmt.Println("retry queued")
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "cancel a queued send or delete a failed one",
		ArgsUsage: "<message-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: bbctl delete <message-id>")
			}
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			if err := client.delete("/v1/messages/" + url.PathEscape(c.Args().First())); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "mark a chat as read",
		ArgsUsage: "<chat-guid>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: bbctl read <chat-guid>")
			}
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			return client.post("/v1/chats/"+url.PathEscape(c.Args().First())+"/read", nil, nil)
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "full-text search across messages",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "chat", Usage: "restrict to one chat"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: bbctl search <query>")
			}
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("q", c.Args().First())
			if chat := c.String("chat"); chat != "" {
				q.Set("chat", chat)
			}
			q.Set("limit", strconv.Itoa(c.Int("limit")))

			var body struct {
				Results []struct {
					Message messageJSON `json:"message"`
					Snippet string      `json:"snippet"`
				} `json:"results"`
			}
			if err := client.get("/v1/search?"+q.Encode(), &body); err != nil {
				return err
			}
			if c.Bool("json") {
				outputJSON(body.Results)
				return nil
			}
			for _, r := range body.Results {
				fmt.Printf("[%s] %s: %s\n", formatTime(r.Message.CreatedAt), r.Message.ChatGUID, r.Snippet)
			}
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "trigger a foreground catch-up fetch for open chats",
		Action: func(c *cli.Context) error {
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			return client.post("/v1/resume", nil, nil)
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "stream daemon events to stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prefix", Usage: "event kind prefix filter (e.g. message.)"},
		},
		Action: func(c *cli.Context) error {
			client, err := resolveClient(c)
			if err != nil {
				return err
			}
			conn, err := client.events(c.String("prefix"))
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			enc := json.NewEncoder(os.Stdout)
			for {
				var env map[string]any
				if err := conn.ReadJSON(&env); err != nil {
					return fmt.Errorf("event stream closed: %w", err)
				}
				if c.Bool("json") {
					_ = enc.Encode(env)
					continue
				}
				fmt.Printf("%v  %v\n", env["kind"], env["payload"])
			}
		},
	}
}
