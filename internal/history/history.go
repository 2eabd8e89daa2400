// Package history loads the chat history of a target page by page, oldest first within a page,
// with AI turns passed through the display filter of the target's mode.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/youruser/livegen/internal/display"
	"github.com/youruser/livegen/internal/genmode"
	"github.com/youruser/livegen/internal/logging"
)

var log = logging.Get()

// DefaultPageSize is the page size the backend pages history by.
const DefaultPageSize = 10

var (
	ErrBadResponse = errors.New("unexpected history response")
	ErrRejected    = errors.New("history request rejected")
)

// Role of a turn.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// Turn is one message of the conversation.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Page is one page of history. Turns are ordered oldest first. Cursor is passed to the next List
// call to load the turns before this page.
type Page struct {
	Turns   []Turn `json:"turns"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

// Getter performs an authenticated GET and returns the body. *transport.Client implements it.
type Getter interface {
	GetJSON(ctx context.Context, path string, query url.Values) ([]byte, error)
}

// Loader fetches history pages.
type Loader struct {
	get      Getter
	pageSize int
}

// NewLoader creates a loader. pageSize <= 0 uses DefaultPageSize.
func NewLoader(get Getter, pageSize int) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Loader{get: get, pageSize: pageSize}
}

// List loads the page of turns older than cursor; an empty cursor loads the newest page.
func (l *Loader) List(ctx context.Context, target string, mode genmode.Mode, cursor string) (Page, error) {
	if target == "" {
		return Page{}, errors.New("target must not be empty")
	}
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(l.pageSize))
	if cursor != "" {
		q.Set("lastCreateTime", cursor)
	}

	body, err := l.get.GetJSON(ctx, "/chatHistory/app/"+url.PathEscape(target), q)
	if err != nil {
		return Page{}, err
	}
	page, err := Decode(body, mode, l.pageSize)
	if err != nil {
		return Page{}, err
	}
	log.Debug("History %s: %d turns, more=%v", target, len(page.Turns), page.HasMore)
	return page, nil
}

// Decode parses a history response body. Records arrive newest first; the page returns them
// oldest first with the cursor set to the oldest record's creation time.
func Decode(body []byte, mode genmode.Mode, pageSize int) (Page, error) {
	if !gjson.ValidBytes(body) {
		return Page{}, fmt.Errorf("%w: invalid JSON", ErrBadResponse)
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code"); code.Exists() && code.Int() != 0 {
		return Page{}, fmt.Errorf("%w: %d - %s", ErrRejected, code.Int(), res.Get("message").String())
	}
	records := res.Get("data.records")
	if records.Exists() && !records.IsArray() {
		return Page{}, fmt.Errorf("%w: records is not an array", ErrBadResponse)
	}

	var turns []Turn
	records.ForEach(func(_, rec gjson.Result) bool {
		t := Turn{
			Role:      RoleAI,
			Content:   rec.Get("message").String(),
			CreatedAt: rec.Get("createTime").String(),
		}
		if rec.Get("messageType").String() == RoleUser {
			t.Role = RoleUser
		} else {
			t.Content = display.Filter(mode, t.Content)
		}
		turns = append(turns, t)
		return true
	})
	if len(turns) == 0 {
		return Page{}, nil
	}

	page := Page{
		Cursor:  turns[len(turns)-1].CreatedAt,
		HasMore: len(turns) == pageSize,
	}
	slices.Reverse(turns)
	page.Turns = turns
	return page, nil
}
