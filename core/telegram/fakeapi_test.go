package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
)

const testToken = "123456:test-token"

// fakeAPI emulates the Bot API endpoints the adapter calls.
type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string][]map[string]any
	handlers map[string]func(params map[string]any) string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{
		calls: make(map[string][]map[string]any),
		handlers: map[string]func(map[string]any) string{
			"getMe": func(map[string]any) string {
				return `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Test","username":"test_bot"}}`
			},
			"deleteWebhook":       okTrue,
			"setWebhook":          okTrue,
			"answerCallbackQuery": okTrue,
			"sendMessage": func(map[string]any) string {
				return `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"sent"}}`
			},
			"getUpdates": func(map[string]any) string { return `{"ok":true,"result":[]}` },
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func okTrue(map[string]any) string { return `{"ok":true,"result":true}` }

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)

	a.mu.Lock()
	a.calls[method] = append(a.calls[method], params)
	h, ok := a.handlers[method]
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found: method not found"}`))
		return
	}
	_, _ = w.Write([]byte(h(params)))
}

func (a *fakeAPI) handle(method string, h func(params map[string]any) string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[method] = h
}

func (a *fakeAPI) callsTo(method string) []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]any(nil), a.calls[method]...)
}
