package network

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	m := make(map[string]string, len(cookies))
	for _, c := range cookies {
		m[c.Name] = c.Value
	}
	return m
}

func newTestJar(now time.Time) (*Jar, *time.Time) {
	jar := NewJar(nil)
	clock := now
	jar.now = func() time.Time { return clock }
	return jar, &clock
}

func TestJar_LastWriteWinsByName(t *testing.T) {
	// Arrange
	jar, _ := newTestJar(time.Now())
	u := mustURL(t, "http://komica1.org/test/index.htm")

	// Act
	jar.Save(u, []*http.Cookie{{Name: "session", Value: "old", Domain: "komica1.org", Path: "/"}})
	jar.Save(u, []*http.Cookie{{Name: "session", Value: "new", Path: "/test"}})

	// Assert
	cookies := jar.Load(mustURL(t, "http://komica1.org/test/pixmicat.php"))
	require.Len(t, cookies, 1)
	assert.Equal(t, "new", cookies[0].Value)

	assert.Empty(t, jar.Load(mustURL(t, "http://komica1.org/other/")), "置き換えられたCookieは残らないはずです")
}

func TestJar_ExpiredCookiesAreEvicted(t *testing.T) {
	// Arrange
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	jar, clock := newTestJar(start)
	u := mustURL(t, "http://komica1.org/")

	// Act
	jar.Save(u, []*http.Cookie{
		{Name: "past", Value: "1", Expires: start.Add(-time.Minute)},
		{Name: "deleted", Value: "2", MaxAge: -1},
		{Name: "hour", Value: "3", Expires: start.Add(time.Hour)},
		{Name: "maxage", Value: "4", MaxAge: 60},
		{Name: "session", Value: "5"},
	})

	// Assert
	assert.Equal(t, map[string]string{"hour": "3", "maxage": "4", "session": "5"}, cookieMap(jar.Load(u)))

	*clock = start.Add(2 * time.Hour)
	assert.Equal(t, map[string]string{"session": "5"}, cookieMap(jar.Load(u)))

	jar.mu.Lock()
	assert.Len(t, jar.entries["komica1.org"], 1, "期限切れのCookieはLoadで取り除かれるはずです")
	jar.mu.Unlock()
}

func TestJar_HostOnlyAndDomainMatching(t *testing.T) {
	jar, _ := newTestJar(time.Now())

	jar.Save(mustURL(t, "http://gaia.komica1.org/79/"), []*http.Cookie{{Name: "hostonly", Value: "a"}})
	jar.Save(mustURL(t, "http://komica1.org/"), []*http.Cookie{{Name: "shared", Value: "b", Domain: ".komica1.org"}})

	assert.Equal(t, map[string]string{"hostonly": "a", "shared": "b"}, cookieMap(jar.Load(mustURL(t, "http://gaia.komica1.org/79/index.htm"))))
	assert.Equal(t, map[string]string{"shared": "b"}, cookieMap(jar.Load(mustURL(t, "http://sora.komica1.org/"))))
	assert.Empty(t, jar.Load(mustURL(t, "http://example.com/")))
}

func TestJar_RejectsForeignDomain(t *testing.T) {
	// Arrange
	jar, _ := newTestJar(time.Now())

	// Act
	jar.Save(mustURL(t, "http://gaia.komica1.org/79/"), []*http.Cookie{
		{Name: "parent", Value: "ok", Domain: ".komica1.org"},
		{Name: "self", Value: "ok", Domain: "gaia.komica1.org"},
		{Name: "foreign", Value: "ng", Domain: "example.com"},
		{Name: "sibling", Value: "ng", Domain: "sora.komica1.org"},
		{Name: "tld", Value: "ng", Domain: "org"},
	})
	jar.Save(mustURL(t, "http://127.0.0.1:8080/"), []*http.Cookie{{Name: "ip", Value: "ng", Domain: "0.0.1"}})

	// Assert
	assert.Equal(t, map[string]string{"parent": "ok", "self": "ok"}, cookieMap(jar.Load(mustURL(t, "http://gaia.komica1.org/79/"))))
	assert.Empty(t, jar.Load(mustURL(t, "http://example.com/")))
	assert.Equal(t, map[string]string{"parent": "ok"}, cookieMap(jar.Load(mustURL(t, "http://sora.komica1.org/"))))
	assert.Empty(t, jar.Load(mustURL(t, "http://127.0.0.1:8080/")))
}

func TestJar_InjectRaw(t *testing.T) {
	// Arrange
	jar, _ := newTestJar(time.Now())
	u := mustURL(t, "https://gaia.komica1.org/79/pixmicat.php?res=1")

	// Act
	n := jar.InjectRaw(u, " cf_clearance=abc ; timerecord=1700000000; __cf_bm=x=y; broken; =novalue;")

	// Assert
	assert.Equal(t, 7, n, "cf系のCookieは親ドメインとドット付きの形にも登録されるはずです")
	assert.Equal(t, map[string]string{
		"cf_clearance": "abc",
		"timerecord":   "1700000000",
		"__cf_bm":      "x=y",
	}, cookieMap(jar.Load(u)))

	assert.Equal(t, map[string]string{
		"cf_clearance": "abc",
		"__cf_bm":      "x=y",
	}, cookieMap(jar.Load(mustURL(t, "https://sora.komica1.org/"))))

	value, ok := jar.Value(u, "timerecord")
	assert.True(t, ok)
	assert.Equal(t, "1700000000", value)
}

func TestJar_InjectRaw_SingleLabelHost(t *testing.T) {
	jar, _ := newTestJar(time.Now())

	n := jar.InjectRaw(mustURL(t, "http://komica1.org/"), "cf_clearance=abc")
	assert.Equal(t, 1, n)

	assert.Zero(t, jar.InjectRaw(mustURL(t, "http://komica1.org/"), "   "))
	n = jar.InjectRaw(mustURL(t, "http://127.0.0.1:8080/"), "cf_clearance=abc")
	assert.Equal(t, 1, n, "IPアドレスは親ドメインへ展開しないはずです")
}

func TestJar_InjectRawReplacesExisting(t *testing.T) {
	jar, _ := newTestJar(time.Now())
	u := mustURL(t, "https://gaia.komica1.org/")

	jar.InjectRaw(u, "cf_clearance=first")
	jar.InjectRaw(u, "cf_clearance=second")

	cookies := jar.Load(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "second", cookies[0].Value)
}

func TestJar_ConcurrentAccess(t *testing.T) {
	jar, _ := newTestJar(time.Now())
	u := mustURL(t, "https://gaia.komica1.org/")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jar.Save(u, []*http.Cookie{{Name: fmt.Sprintf("c%d", i%5), Value: "v"}})
			jar.InjectRaw(u, "cf_clearance=x")
			_ = jar.Load(u)
		}(i)
	}
	wg.Wait()

	assert.Len(t, jar.Load(u), 6)
}
