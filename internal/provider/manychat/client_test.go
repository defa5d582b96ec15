package manychat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/domain"
)

func testConfig(serverURL string) config.ManyChatConfig {
	return config.ManyChatConfig{
		APIKey:         "mc-key",
		BaseURL:        serverURL,
		TagConcurrency: 2,
		TagsPerPage:    2,
		TimeoutSeconds: 5,
	}
}

func TestGetTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fb/page/getTags" {
			t.Errorf("Expected path /fb/page/getTags, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer mc-key" {
			t.Errorf("Expected bearer auth header, got %s", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": []map[string]interface{}{
				{"id": 11, "name": "buyers"},
				{"id": 12, "name": "webinar"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	tags, err := client.GetTags(context.Background())
	if err != nil {
		t.Fatalf("GetTags failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("Expected 2 tags, got %d", len(tags))
	}
	if tags[0].Name != "buyers" {
		t.Errorf("Expected tag buyers, got %s", tags[0].Name)
	}
}

func TestGetTagsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "error"})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	if _, err := client.GetTags(context.Background()); err == nil {
		t.Fatal("Expected error for non-success status, got nil")
	}
}

func TestGetSubscribersByTag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fb/page/getSubscribersByTag" {
			t.Errorf("Expected subscriber path, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("tag_id"); got != "11" {
			t.Errorf("Expected tag_id=11, got %s", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": []map[string]interface{}{
				{"id": "sub-1", "email": "one@example.com"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	rows, err := client.GetSubscribersByTag(context.Background(), 11)
	if err != nil {
		t.Fatalf("GetSubscribersByTag failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 subscriber row, got %d", len(rows))
	}
}

// fakePage serves getTags plus per-tag subscriber lists from a map.
func fakePage(t *testing.T, tags []Tag, subsByTag map[string][]map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fb/page/getTags":
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": tags})
		case "/fb/page/getSubscribersByTag":
			data, ok := subsByTag[r.URL.Query().Get("tag_id")]
			if !ok {
				data = nil
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": data})
		default:
			t.Errorf("Unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestAdapterUnionsSubscribersAcrossTags(t *testing.T) {
	server := fakePage(t,
		[]Tag{{ID: 2, Name: "webinar"}, {ID: 1, Name: "buyers"}, {ID: 3, Name: "vip"}},
		map[string][]map[string]interface{}{
			"1": {
				{"id": "sub-1", "email": "one@example.com", "name": "One", "opt_in_email": true},
				{"id": "sub-2", "phone": "+15550100002", "first_name": "Two", "last_name": "Person"},
			},
			"2": {
				// Same subscriber under a second tag: tags union, one contact.
				{"id": "sub-1", "email": "one@example.com", "name": "One"},
			},
		})
	defer server.Close()

	cfg := testConfig(server.URL)
	adapter := NewAdapter(NewClient(cfg), cfg)
	if adapter.Source() != domain.SourceManyChat {
		t.Errorf("Unexpected source %s", adapter.Source())
	}

	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 2 {
		t.Fatalf("Expected 2 deduped contacts, got %d", len(page.Contacts))
	}

	var one *domain.OptIns
	for i := range page.Contacts {
		c := page.Contacts[i]
		if c.ExternalID == "sub-1" {
			one = &page.Contacts[i].OptIns
			tags := append([]string(nil), c.Tags...)
			sort.Strings(tags)
			if len(tags) != 2 || tags[0] != "buyers" || tags[1] != "webinar" {
				t.Errorf("Expected unioned tags for sub-1, got %v", c.Tags)
			}
			if !c.OptIns.Email {
				t.Error("Expected email opt-in carried from subscriber record")
			}
		}
		if c.ExternalID == "sub-2" && c.FullName != "Two Person" {
			t.Errorf("Expected joined name for sub-2, got %q", c.FullName)
		}
	}
	if one == nil {
		t.Fatal("sub-1 missing from page")
	}

	// Tags sort by ID, tags_per_page=2 covers IDs 1 and 2; tag 3 remains.
	if !page.HasMore {
		t.Error("Expected HasMore with a third tag outstanding")
	}
	if page.Next.TagOffset != 2 {
		t.Errorf("Expected TagOffset 2, got %d", page.Next.TagOffset)
	}
}

func TestAdapterResumesFromTagOffset(t *testing.T) {
	server := fakePage(t,
		[]Tag{{ID: 1, Name: "buyers"}, {ID: 2, Name: "webinar"}, {ID: 3, Name: "vip"}},
		map[string][]map[string]interface{}{
			"3": {{"id": "sub-9", "email": "vip@example.com"}},
		})
	defer server.Close()

	cfg := testConfig(server.URL)
	adapter := NewAdapter(NewClient(cfg), cfg)
	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{TagOffset: 2})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 1 || page.Contacts[0].ExternalID != "sub-9" {
		t.Fatalf("Expected the vip subscriber only, got %+v", page.Contacts)
	}
	if page.HasMore {
		t.Error("Expected final window")
	}
}

func TestAdapterOffsetPastEnd(t *testing.T) {
	server := fakePage(t, []Tag{{ID: 1, Name: "buyers"}}, nil)
	defer server.Close()

	cfg := testConfig(server.URL)
	adapter := NewAdapter(NewClient(cfg), cfg)
	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{TagOffset: 5})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 0 || page.HasMore {
		t.Errorf("Expected empty terminal page, got %+v", page)
	}
}

func TestAdapterWhatsAppPhoneFallback(t *testing.T) {
	server := fakePage(t,
		[]Tag{{ID: 1, Name: "buyers"}},
		map[string][]map[string]interface{}{
			"1": {{"id": "sub-w", "whatsapp_phone": "+15550100009", "opt_in_whatsapp": true}},
		})
	defer server.Close()

	cfg := testConfig(server.URL)
	adapter := NewAdapter(NewClient(cfg), cfg)
	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(page.Contacts) != 1 {
		t.Fatalf("Expected 1 contact, got %d", len(page.Contacts))
	}
	if page.Contacts[0].Phone != "+15550100009" {
		t.Errorf("Expected whatsapp_phone fallback, got %q", page.Contacts[0].Phone)
	}
	if !page.Contacts[0].OptIns.WhatsApp {
		t.Error("Expected WhatsApp opt-in")
	}
}

// brokenTagPage is fakePage with one tag returning a server error.
func brokenTagPage(t *testing.T, tags []Tag, subsByTag map[string][]map[string]interface{}, brokenTagID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fb/page/getTags":
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": tags})
		case "/fb/page/getSubscribersByTag":
			id := r.URL.Query().Get("tag_id")
			if id == brokenTagID {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": subsByTag[id]})
		default:
			t.Errorf("Unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestAdapterTruncatesWindowAtFailedTag(t *testing.T) {
	server := brokenTagPage(t,
		[]Tag{{ID: 1, Name: "buyers"}, {ID: 2, Name: "webinar"}, {ID: 3, Name: "vip"}},
		map[string][]map[string]interface{}{
			"1": {{"id": "sub-1", "email": "one@example.com"}},
			"2": {{"id": "sub-2", "email": "two@example.com"}},
		},
		"2")
	defer server.Close()

	cfg := testConfig(server.URL)
	adapter := NewAdapter(NewClient(cfg), cfg)
	page, err := adapter.FetchPage(context.Background(), domain.Checkpoint{})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	// Tag 2 failed mid-window, so the page covers tag 1 only and the
	// checkpoint must point back at tag 2 for a retry. Advancing past it
	// would lose sub-2 for good.
	if len(page.Contacts) != 1 || page.Contacts[0].ExternalID != "sub-1" {
		t.Fatalf("Expected only tag 1's subscriber, got %+v", page.Contacts)
	}
	if !page.HasMore {
		t.Error("Expected HasMore after a truncated window")
	}
	if page.Next.TagOffset != 1 {
		t.Errorf("Expected checkpoint at the failed tag (offset 1), got %d", page.Next.TagOffset)
	}
}

func TestAdapterFirstTagFailureErrors(t *testing.T) {
	server := brokenTagPage(t,
		[]Tag{{ID: 1, Name: "buyers"}, {ID: 2, Name: "webinar"}},
		map[string][]map[string]interface{}{
			"2": {{"id": "sub-2", "email": "two@example.com"}},
		},
		"1")
	defer server.Close()

	cfg := testConfig(server.URL)
	adapter := NewAdapter(NewClient(cfg), cfg)
	_, err := adapter.FetchPage(context.Background(), domain.Checkpoint{})
	if err == nil {
		t.Fatal("Expected error when the window cannot make progress")
	}
	if !strings.Contains(err.Error(), "buyers") {
		t.Errorf("Expected the failed tag named in the error, got %v", err)
	}
}
