package network

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// edgeCookiePrefixes は、CDNのボット対策が発行するCookie名の接頭辞です。
// これらはサブドメインをまたいで有効である必要があります。
var edgeCookiePrefixes = []string{"cf_", "__cf"}

type jarEntry struct {
	name     string
	value    string
	domain   string
	path     string
	hostOnly bool
	expires  time.Time // ゼロ値はセッションCookie
	seq      uint64
}

func (e *jarEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !e.expires.After(now)
}

func (e *jarEntry) matches(host, path string) bool {
	domain := strings.TrimPrefix(e.domain, ".")
	if e.hostOnly {
		if host != domain {
			return false
		}
	} else if host != domain && !strings.HasSuffix(host, "."+domain) {
		return false
	}
	return pathMatches(e.path, path)
}

func pathMatches(cookiePath, requestPath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if requestPath == "" {
		requestPath = "/"
	}
	if requestPath == cookiePath {
		return true
	}
	return strings.HasPrefix(requestPath, strings.TrimSuffix(cookiePath, "/")+"/")
}

// Jar は、ホストごとにCookieを保持する http.CookieJar の実装です。
//
// 標準のCookie Jarと異なり、同じホストに保存されたCookieは名前だけで置き換えます
// (ドメインやパスが異なっていても後から保存した値が勝ちます)。
// cf_clearance のようにホストごとに一つだけ有効な値を持たせたいためです。
// 期限切れのCookieは Load の際に取り除きます。
// HTTPクライアントと埋め込みブラウザで共有するため、全ての操作は排他制御されます。
type Jar struct {
	mu      sync.Mutex
	entries map[string][]*jarEntry // 保存先ホスト -> Cookie
	seq     uint64
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewJar は、空のJarを生成します。
func NewJar(logger logrus.FieldLogger) *Jar {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &Jar{
		entries: make(map[string][]*jarEntry),
		now:     time.Now,
		log:     logger.WithField("component", "cookiejar"),
	}
}

// SetCookies は http.CookieJar を実装します。
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.Save(u, cookies)
}

// Cookies は http.CookieJar を実装します。
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.Load(u)
}

// Save は、URLのホストにCookieを保存します。同名のCookieは置き換えます。
func (j *Jar) Save(u *url.URL, cookies []*http.Cookie) {
	if u == nil || len(cookies) == 0 {
		return
	}
	host := canonicalHost(u)

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	saved := 0
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		if !domainAllowed(host, c.Domain) {
			j.log.WithFields(logrus.Fields{"host": host, "name": c.Name, "domain": c.Domain}).Debug("ホストに一致しないDomainのCookieを破棄しました")
			continue
		}
		j.saveLocked(host, j.entryFrom(host, c, now))
		saved++
	}
	j.log.WithFields(logrus.Fields{"host": host, "count": saved}).Debug("Cookieを保存しました")
}

// domainAllowed は、応答元の host が Domain 属性のCookieを設定できるかを返します。
// Domain は host 自身かその親ドメインでなければならず、IPアドレスの host は自身のみ許可します。
func domainAllowed(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" || domain == host {
		return true
	}
	if net.ParseIP(host) != nil || !strings.Contains(domain, ".") {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// Load は、URLに一致する有効期限内のCookieを返します。
// 期限切れのCookieはこの時点で全ホスト分を取り除きます。
// 複数の保存先に同名のCookieがある場合は、最後に保存されたものだけを返します。
func (j *Jar) Load(u *url.URL) []*http.Cookie {
	if u == nil {
		return nil
	}
	host := canonicalHost(u)

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()

	latest := make(map[string]*jarEntry)
	var order []string
	for key, list := range j.entries {
		kept := list[:0]
		for _, e := range list {
			if e.expired(now) {
				continue
			}
			kept = append(kept, e)
			if !e.matches(host, u.Path) {
				continue
			}
			prev, ok := latest[e.name]
			if !ok {
				order = append(order, e.name)
			}
			if !ok || e.seq > prev.seq {
				latest[e.name] = e
			}
		}
		if len(kept) == 0 {
			delete(j.entries, key)
		} else {
			j.entries[key] = kept
		}
	}

	result := make([]*http.Cookie, 0, len(order))
	for _, name := range order {
		e := latest[name]
		result = append(result, &http.Cookie{
			Name:    e.name,
			Value:   e.value,
			Domain:  e.domain,
			Path:    e.path,
			Expires: e.expires,
		})
	}
	return result
}

// Value は、URLに送信される名前 name のCookieの値を返します。
func (j *Jar) Value(u *url.URL, name string) (string, bool) {
	for _, c := range j.Load(u) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// InjectRaw は、"name=value; name2=value2" 形式のCookie文字列を解析して保存します。
// 埋め込みブラウザのCookieストアから取り出した値をHTTPクライアントに引き継ぐために使います。
// CDNのボット対策Cookieは、ホストに加えて親ドメイン（と先頭にドットを付けた形）にも登録します。
func (j *Jar) InjectRaw(u *url.URL, raw string) int {
	if u == nil || strings.TrimSpace(raw) == "" {
		return 0
	}
	host := canonicalHost(u)

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()

	injected := 0
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			continue
		}
		name, value := strings.TrimSpace(parts[0]), parts[1]

		j.saveLocked(host, j.entryFrom(host, &http.Cookie{Name: name, Value: value, Path: "/"}, now))
		injected++

		if !isEdgeCookie(name) {
			continue
		}
		base, ok := baseDomain(host)
		if !ok {
			continue
		}
		for _, domain := range []string{base, "." + base} {
			j.saveLocked(domain, j.entryFrom(domain, &http.Cookie{Name: name, Value: value, Domain: domain, Path: "/"}, now))
			injected++
		}
	}
	j.log.WithFields(logrus.Fields{"host": host, "count": injected}).Debug("ブラウザのCookieを取り込みました")
	return injected
}

func (j *Jar) saveLocked(key string, e *jarEntry) {
	list := j.entries[key]
	kept := list[:0]
	for _, cur := range list {
		if cur.name != e.name {
			kept = append(kept, cur)
		}
	}
	j.entries[key] = append(kept, e)
}

func (j *Jar) entryFrom(host string, c *http.Cookie, now time.Time) *jarEntry {
	j.seq++
	e := &jarEntry{
		name:  c.Name,
		value: c.Value,
		path:  c.Path,
		seq:   j.seq,
	}
	if e.path == "" {
		e.path = "/"
	}
	if c.Domain == "" {
		e.domain = host
		e.hostOnly = true
	} else {
		e.domain = strings.ToLower(c.Domain)
	}
	switch {
	case c.MaxAge < 0:
		e.expires = now.Add(-time.Second)
	case c.MaxAge > 0:
		e.expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	default:
		e.expires = c.Expires
	}
	return e
}

func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

func isEdgeCookie(name string) bool {
	for _, p := range edgeCookiePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// baseDomain は、ドットを2つ以上含むホストの末尾2ラベルを返します。IPアドレスは対象外です。
func baseDomain(host string) (string, bool) {
	if strings.Count(host, ".") < 2 || net.ParseIP(host) != nil {
		return "", false
	}
	labels := strings.Split(host, ".")
	return labels[len(labels)-2] + "." + labels[len(labels)-1], true
}
