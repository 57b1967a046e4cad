package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const cookiesKey = "cookies"

type storedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"httpOnly,omitempty"`
}

// PersistentJar is an http.CookieJar whose cookies are kept in a KV, so a
// cookie-mode session survives a restart the same way a header-mode token does.
type PersistentJar struct {
	mu    sync.Mutex
	jar   *cookiejar.Jar
	kv    KV
	saved map[string][]storedCookie // keyed by scheme://host
	log   logrus.FieldLogger
	now   func() time.Time
}

var _ http.CookieJar = (*PersistentJar)(nil)

// NewPersistentJar creates a jar and restores any cookies saved in kv.
func NewPersistentJar(kv KV, logger logrus.FieldLogger) (*PersistentJar, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	j := &PersistentJar{
		jar:   jar,
		kv:    kv,
		saved: make(map[string][]storedCookie),
		log:   logger,
		now:   time.Now,
	}

	raw, ok, err := kv.Get(cookiesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	if !ok {
		return j, nil
	}
	if err := json.Unmarshal(raw, &j.saved); err != nil {
		logger.WithError(err).Warn("discarding unreadable persisted cookies")
		j.saved = make(map[string][]storedCookie)
		return j, nil
	}

	for origin, stored := range j.saved {
		u, err := url.Parse(origin)
		if err != nil {
			continue
		}
		j.jar.SetCookies(u, toHTTPCookies(stored))
	}
	return j, nil
}

func (j *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jar.SetCookies(u, cookies)

	origin := originOf(u)
	j.saved[origin] = j.merge(j.saved[origin], cookies)
	if len(j.saved[origin]) == 0 {
		delete(j.saved, origin)
	}
	if err := j.persistLocked(); err != nil {
		j.log.WithError(err).Warn("failed to persist cookies")
	}
}

func (j *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// Clear drops every cookie from memory and storage.
func (j *PersistentJar) Clear() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar = jar
	j.saved = make(map[string][]storedCookie)
	return j.kv.Delete(cookiesKey)
}

// merge replaces cookies by name and path, and drops deleted or expired ones.
func (j *PersistentJar) merge(existing []storedCookie, incoming []*http.Cookie) []storedCookie {
	now := j.now()
	byKey := make(map[string]storedCookie, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	put := func(c storedCookie) {
		key := c.Name + "\x00" + c.Path
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = c
	}
	for _, c := range existing {
		put(c)
	}
	for _, c := range incoming {
		sc := storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		switch {
		case c.MaxAge < 0:
			sc.Expires = now.Add(-time.Second)
		case c.MaxAge > 0:
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		put(sc)
	}

	merged := make([]storedCookie, 0, len(order))
	for _, key := range order {
		c := byKey[key]
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

func (j *PersistentJar) persistLocked() error {
	if len(j.saved) == 0 {
		return j.kv.Delete(cookiesKey)
	}
	data, err := json.Marshal(j.saved)
	if err != nil {
		return err
	}
	return j.kv.Set(cookiesKey, data)
}

func toHTTPCookies(stored []storedCookie) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return cookies
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
