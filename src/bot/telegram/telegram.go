// Package telegram is the thin HTTP transport behind the bridge's Messenger
// interface: a minimal Bot API client and a long-polling update loop that
// feeds chat events to the bridge. All pairing and relaying decisions live in
// the bot package.
package telegram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/locavenet/locave/src/bot"
	"github.com/sirupsen/logrus"
)

const apiBase = "https://api.telegram.org"

const pollTimeout = 30 * time.Second

// Client is a minimal Telegram Bot API client implementing bot.Messenger.
type Client struct {
	token string
	http  *http.Client
}

// NewClient ...
func NewClient(token string) *Client {
	return &Client{
		token: token,
		http:  &http.Client{Timeout: pollTimeout + 10*time.Second},
	}
}

// Factory is a bot.MessengerFactory backed by the real Bot API.
func Factory(token string) (bot.Messenger, error) {
	return NewClient(token), nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(method string, params url.Values, result interface{}) error {
	resp, err := c.http.PostForm(
		fmt.Sprintf("%s/bot%s/%s", apiBase, c.token, method), params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var wrapper apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return err
	}
	if !wrapper.OK {
		return fmt.Errorf("%s: %s", method, wrapper.Description)
	}
	if result != nil {
		return json.Unmarshal(wrapper.Result, result)
	}
	return nil
}

// SendText implements bot.Messenger.
func (c *Client) SendText(chat int64, text string) error {
	return c.call("sendMessage", url.Values{
		"chat_id": {strconv.FormatInt(chat, 10)},
		"text":    {text},
	}, nil)
}

// LeaveChat implements bot.Messenger.
func (c *Client) LeaveChat(chat int64) error {
	return c.call("leaveChat", url.Values{
		"chat_id": {strconv.FormatInt(chat, 10)},
	}, nil)
}

// Me implements bot.Messenger.
func (c *Client) Me() (string, string, error) {
	var me struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	if err := c.call("getMe", nil, &me); err != nil {
		return "", "", err
	}
	return me.Username, me.FirstName, nil
}

type update struct {
	ID      int64 `json:"update_id"`
	Message *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text           string `json:"text"`
		NewChatMembers []struct {
			Username string `json:"username"`
			IsBot    bool   `json:"is_bot"`
		} `json:"new_chat_members"`
		LeftChatMember *struct {
			Username string `json:"username"`
			IsBot    bool   `json:"is_bot"`
		} `json:"left_chat_member"`
	} `json:"message"`
	MyChatMember *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		NewChatMember struct {
			Status string `json:"status"`
		} `json:"new_chat_member"`
	} `json:"my_chat_member"`
}

// Poller long-polls getUpdates and dispatches chat events to the bridge.
type Poller struct {
	bridge     *bot.Bridge
	client     *Client
	username   string
	logger     *logrus.Entry
	shutdownCh chan struct{}
}

// NewPoller ...
func NewPoller(bridge *bot.Bridge, client *Client, username string, logger *logrus.Entry) *Poller {
	return &Poller{
		bridge:     bridge,
		client:     client,
		username:   username,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Run blocks, polling for updates until Shutdown.
func (p *Poller) Run() {
	var offset int64

	for {
		select {
		case <-p.shutdownCh:
			return
		default:
		}

		updates, err := p.poll(offset)
		if err != nil {
			p.logger.WithError(err).Debug("Polling updates")
			select {
			case <-time.After(5 * time.Second):
			case <-p.shutdownCh:
				return
			}
			continue
		}

		for _, u := range updates {
			offset = u.ID + 1
			p.dispatch(u)
		}
	}
}

// Shutdown stops the poll loop after the current request.
func (p *Poller) Shutdown() {
	close(p.shutdownCh)
}

func (p *Poller) poll(offset int64) ([]update, error) {
	var updates []update
	err := p.client.call("getUpdates", url.Values{
		"offset":  {strconv.FormatInt(offset, 10)},
		"timeout": {strconv.Itoa(int(pollTimeout.Seconds()))},
	}, &updates)
	return updates, err
}

func (p *Poller) dispatch(u update) {
	if u.MyChatMember != nil {
		switch u.MyChatMember.NewChatMember.Status {
		case "member", "administrator":
			p.bridge.HandleJoin(u.MyChatMember.Chat.ID)
		case "left", "kicked":
			p.bridge.HandleLeft(u.MyChatMember.Chat.ID)
		}
		return
	}

	if u.Message == nil {
		return
	}
	chat := u.Message.Chat.ID

	for _, member := range u.Message.NewChatMembers {
		if member.IsBot && member.Username == p.username {
			p.bridge.HandleJoin(chat)
			return
		}
	}
	if left := u.Message.LeftChatMember; left != nil && left.IsBot && left.Username == p.username {
		p.bridge.HandleLeft(chat)
		return
	}

	if u.Message.Text != "" {
		p.bridge.HandleText(chat, u.Message.Text)
	} else {
		p.bridge.HandleNonText(chat)
	}
}
