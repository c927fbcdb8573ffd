package botapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/adapters/botapi"
	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/session"
)

type call struct {
	method string
	body   map[string]any
}

// fakeAPI отвечает по очереди заготовленными ответами на каждый метод.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []call
	responses map[string][]string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))

		f.mu.Lock()
		f.calls = append(f.calls, call{method: method, body: body})
		queue := f.responses[method]
		resp := `{"ok":true,"result":[]}`
		if len(queue) > 0 {
			resp, f.responses[method] = queue[0], queue[1:]
		}
		f.mu.Unlock()

		if strings.HasPrefix(resp, "HTTP ") {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	}
}

func (f *fakeAPI) Calls(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newClient(t *testing.T, responses map[string][]string) (*botapi.Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{responses: responses}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c := botapi.New(botapi.Options{
		Token:         "123:abc",
		RPS:           1000,
		BaseURL:       srv.URL,
		RetryInterval: time.Millisecond,
	})
	return c, api
}

func TestSendMessageWithButtons(t *testing.T) {
	t.Parallel()
	c, api := newClient(t, nil)

	err := c.SendMessage(context.Background(), 42, "<b>hi</b>", [][]session.Button{
		{{Text: "Yes", Data: "always_confirm_42"}},
	})
	require.NoError(t, err)

	calls := api.Calls("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, float64(42), calls[0].body["chat_id"])
	assert.Equal(t, "HTML", calls[0].body["parse_mode"])
	kb := calls[0].body["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	btn := kb[0].([]any)[0].(map[string]any)
	assert.Equal(t, "always_confirm_42", btn["callback_data"])

	require.NoError(t, c.SendText(context.Background(), -1001, "log"))
	assert.NotContains(t, api.Calls("sendMessage")[1].body, "reply_markup")
}

func TestBurstAllowsImmediateCalls(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c := botapi.New(botapi.Options{Token: "123:abc", RPS: 1, Burst: 4, BaseURL: srv.URL})

	// при RPS=1 без burst четвёртый вызов ждал бы пару секунд
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	for range 4 {
		require.NoError(t, c.SendText(ctx, 1, "x"))
	}
	require.Error(t, c.SendText(ctx, 1, "x"))
	assert.Len(t, api.Calls("sendMessage"), 4)
}

func TestCallRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	c, api := newClient(t, map[string][]string{
		"sendMessage": {
			"HTTP 502",
			`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":0}}`,
			`{"ok":true,"result":{}}`,
		},
	})
	require.NoError(t, c.SendText(context.Background(), 1, "x"))
	assert.Len(t, api.Calls("sendMessage"), 3)
}

func TestCallStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	c, api := newClient(t, map[string][]string{
		"sendMessage": {`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`},
	})
	err := c.SendText(context.Background(), 1, "x")
	var apiErr *botapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.True(t, apiErr.StopRetry())
	assert.Len(t, api.Calls("sendMessage"), 1)
}

func TestGetChat(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t, map[string][]string{
		"getChat": {
			`{"ok":true,"result":{"id":5,"username":"alice","first_name":"Alice"}}`,
			`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
		},
	})
	ctx := context.Background()

	info, err := c.GetChat(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, accounts.ChatInfo{Username: "alice", FirstName: "Alice"}, info)

	_, err = c.GetChat(ctx, 6)
	require.ErrorIs(t, err, accounts.ErrChatGone)
}

type confirmations struct {
	mu    sync.Mutex
	calls []string
}

func (c *confirmations) HandleConfirmation(_ context.Context, _ int64, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if confirmed {
		c.calls = append(c.calls, "confirm")
	} else {
		c.calls = append(c.calls, "stop")
	}
}

func TestPollerHandlesConfirmations(t *testing.T) {
	t.Parallel()
	c, api := newClient(t, map[string][]string{
		"getUpdates": {`{"ok":true,"result":[
			{"update_id":10,"callback_query":{"id":"q1","from":{"id":7},"data":"always_confirm_7","message":{"message_id":3,"chat":{"id":7}}}},
			{"update_id":11,"callback_query":{"id":"q2","from":{"id":8},"data":"always_stop_7"}},
			{"update_id":12,"callback_query":{"id":"q3","from":{"id":9},"data":"menu_main"}},
			{"update_id":13,"callback_query":{"id":"q4","from":{"id":9},"data":"always_stop_9"}}
		]}`},
	})
	h := &confirmations{}
	p := botapi.NewPoller(c, h)

	require.NoError(t, p.PollOnce(context.Background(), 0))
	assert.Equal(t, []string{"confirm", "stop"}, h.calls)
	assert.Len(t, api.Calls("answerCallbackQuery"), 3)
	edits := api.Calls("editMessageText")
	require.Len(t, edits, 1)
	assert.Equal(t, float64(3), edits[0].body["message_id"])

	require.NoError(t, p.PollOnce(context.Background(), 0))
	polls := api.Calls("getUpdates")
	require.Len(t, polls, 2)
	assert.Equal(t, float64(14), polls[1].body["offset"])
}
