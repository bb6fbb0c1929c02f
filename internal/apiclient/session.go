package apiclient

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// sessionJar はクライアントのセッション状態（認証Cookie）を保持する。
// ログアウトやリフレッシュ失敗時に丸ごと破棄できるよう、内側のJarを差し替え可能にしている。
type sessionJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newSessionJar() *sessionJar {
	jar, _ := cookiejar.New(nil)
	return &sessionJar{jar: jar}
}

func (s *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.jar.SetCookies(u, cookies)
}

func (s *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jar.Cookies(u)
}

// cookie は指定名のCookie値を返す。無い場合は空文字。
func (s *sessionJar) cookie(u *url.URL, name string) string {
	for _, c := range s.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// reset は全てのCookieを破棄する。
func (s *sessionJar) reset() {
	jar, _ := cookiejar.New(nil)
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
}

var _ http.CookieJar = (*sessionJar)(nil)
