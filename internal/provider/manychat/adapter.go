package manychat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/provider"
)

// Adapter enumerates ManyChat subscribers through the tag dimension:
// each page covers a window of tags, fetches their subscriber lists with
// bounded concurrency, and unions the results by subscriber ID. The same
// subscriber appearing under several tags is emitted once with the tag
// set merged.
//
// Checkpoint.TagOffset counts tags already covered. Tags are sorted by
// ID so the enumeration order is stable across invocations.
type Adapter struct {
	client      *Client
	tagsPerPage int
	concurrency int
	delay       time.Duration
}

// NewAdapter creates a ManyChat contacts adapter.
func NewAdapter(c *Client, cfg config.ManyChatConfig) *Adapter {
	return &Adapter{
		client:      c,
		tagsPerPage: cfg.TagsPerPage,
		concurrency: cfg.TagConcurrency,
		delay:       cfg.RequestDelay(),
	}
}

func (a *Adapter) Source() domain.Source { return domain.SourceManyChat }

func (a *Adapter) FetchPage(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	tags, err := a.client.GetTags(ctx)
	if err != nil {
		return provider.Page{}, fmt.Errorf("list tags: %w", err)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })

	if cp.TagOffset >= len(tags) {
		return provider.Page{}, nil
	}
	end := cp.TagOffset + a.tagsPerPage
	if end > len(tags) {
		end = len(tags)
	}
	window := tags[cp.TagOffset:end]

	type tagResult struct {
		tag  Tag
		rows []json.RawMessage
		err  error
	}

	// Bounded fan-out: at most `concurrency` in-flight tag fetches, with
	// an inter-request delay so a burst of tags stays under the provider
	// requests/second cap.
	results := make([]tagResult, len(window))
	sem := make(chan struct{}, a.concurrency)
	var wg sync.WaitGroup
	for i, tag := range window {
		wg.Add(1)
		go func(i int, tag Tag) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if a.delay > 0 {
				time.Sleep(a.delay)
			}
			rows, err := a.client.GetSubscribersByTag(ctx, tag.ID)
			results[i] = tagResult{tag: tag, rows: rows, err: err}
		}(i, tag)
	}
	wg.Wait()

	// Checkpoint.TagOffset may only advance past tags whose subscribers
	// were actually emitted. A failed tag truncates the window: tags before
	// it are reported this page, and the next invocation resumes at the
	// failed tag and retries it.
	covered := len(window)
	for i, res := range results {
		if res.err != nil {
			log.Printf("[ManyChat] tag %q fetch failed: %v", res.tag.Name, res.err)
			covered = i
			break
		}
	}
	if covered == 0 {
		// The very first tag failed; there is no progress to record.
		return provider.Page{}, fmt.Errorf("tag %q: %w", results[0].tag.Name, results[0].err)
	}

	seen := make(map[string]int) // subscriber ID -> index in page.Contacts
	var page provider.Page
	for _, res := range results[:covered] {
		for _, raw := range res.rows {
			var sub Subscriber
			if err := json.Unmarshal(raw, &sub); err != nil {
				log.Printf("[ManyChat] skipping malformed subscriber: %v", err)
				continue
			}
			if sub.ID == "" {
				continue
			}

			if idx, ok := seen[sub.ID]; ok {
				// Already emitted under an earlier tag: just union tags.
				c := &page.Contacts[idx]
				if !containsTag(c.Tags, res.tag.Name) {
					c.Tags = append(c.Tags, res.tag.Name)
				}
				continue
			}

			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				payload = map[string]any{}
			}

			phone := sub.Phone
			if phone == "" {
				phone = sub.WhatsAppPhone
			}
			page.Contacts = append(page.Contacts, provider.RawContact{
				ExternalID: sub.ID,
				Email:      sub.Email,
				Phone:      phone,
				FullName:   subscriberName(sub),
				Tags:       []string{res.tag.Name},
				OptIns: domain.OptIns{
					WhatsApp: sub.OptInWhatsApp,
					SMS:      sub.OptInSMS,
					Email:    sub.OptInEmail,
				},
				Payload: payload,
			})
			seen[sub.ID] = len(page.Contacts) - 1
		}
	}

	nextOffset := cp.TagOffset + covered
	page.HasMore = nextOffset < len(tags)
	if page.HasMore {
		page.Next = domain.Checkpoint{TagOffset: nextOffset}
	}
	return page, nil
}

func subscriberName(s Subscriber) string {
	if s.Name != "" {
		return s.Name
	}
	return strings.TrimSpace(strings.TrimSpace(s.FirstName) + " " + strings.TrimSpace(s.LastName))
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
