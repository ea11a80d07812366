package challenge

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"KomicaReader/internal/config"
	"KomicaReader/internal/network"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const formURL = "https://gaia.komica1.org/79/pixmicat.php?res=500"

// fakeSession は、あらかじめ決めた状態を順に返す Session です。
type fakeSession struct {
	states        []string
	probeErr      error
	callbackAfter int
	callbackToken string
	cookies       string
	probes        int
	closed        int
}

func (s *fakeSession) Probe(ctx context.Context) (string, error) {
	s.probes++
	if s.probeErr != nil {
		return "", s.probeErr
	}
	if len(s.states) == 0 {
		return stateLoading, nil
	}
	state := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return state, nil
}

func (s *fakeSession) CallbackToken() (string, bool) {
	if s.callbackToken == "" || s.probes < s.callbackAfter {
		return "", false
	}
	return s.callbackToken, true
}

func (s *fakeSession) RawCookies(context.Context) (string, error) {
	return s.cookies, nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeBrowser struct {
	session *fakeSession
	err     error
	opened  []string
}

func (b *fakeBrowser) Open(_ context.Context, u string) (Session, error) {
	b.opened = append(b.opened, u)
	if b.err != nil {
		return nil, b.err
	}
	return b.session, nil
}

func newTestAcquirer(b Browser, jar *network.Jar, maxAttempts int) *Acquirer {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	a := NewAcquirer(b, jar, config.ChallengeSettings{MaxAttempts: maxAttempts, TokenMinLength: 10}, logger)
	a.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return a
}

func TestAcquire_TokenFromProbe(t *testing.T) {
	// Arrange
	session := &fakeSession{states: []string{stateLoading, stateChallenge, stateWaitToken, "TOKEN:0.abcdefghijklmnop"}}
	browser := &fakeBrowser{session: session}
	a := newTestAcquirer(browser, nil, 10)

	// Act
	token, err := a.Acquire(context.Background(), formURL)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "0.abcdefghijklmnop", token)
	assert.Equal(t, 4, session.probes)
	assert.Equal(t, 1, session.closed)
	assert.Equal(t, []string{formURL}, browser.opened)
}

func TestAcquire_TokenFromCallback(t *testing.T) {
	session := &fakeSession{states: []string{stateChallenge}, callbackToken: "callback-token-value", callbackAfter: 2}
	a := newTestAcquirer(&fakeBrowser{session: session}, nil, 10)

	token, err := a.Acquire(context.Background(), formURL)

	require.NoError(t, err)
	assert.Equal(t, "callback-token-value", token)
	assert.Equal(t, 2, session.probes)
	assert.Equal(t, 1, session.closed)
}

func TestAcquire_ShortTokenKeepsWaiting(t *testing.T) {
	session := &fakeSession{states: []string{"TOKEN:short", "TOKEN:long-enough-token"}}
	a := newTestAcquirer(&fakeBrowser{session: session}, nil, 10)

	token, err := a.Acquire(context.Background(), formURL)

	require.NoError(t, err)
	assert.Equal(t, "long-enough-token", token)
}

func TestAcquire_NoChallengeOnPage(t *testing.T) {
	for _, state := range []string{stateForm, stateSuccess} {
		t.Run(state, func(t *testing.T) {
			session := &fakeSession{states: []string{stateLoading, state}}
			a := newTestAcquirer(&fakeBrowser{session: session}, nil, 10)

			token, err := a.Acquire(context.Background(), formURL)

			require.NoError(t, err)
			assert.Empty(t, token)
			assert.Equal(t, 1, session.closed)
		})
	}
}

func TestAcquire_PageError(t *testing.T) {
	session := &fakeSession{states: []string{"ERROR:Spambot detected"}}
	a := newTestAcquirer(&fakeBrowser{session: session}, nil, 10)

	_, err := a.Acquire(context.Background(), formURL)

	require.ErrorIs(t, err, ErrChallengeUnavailable)
	assert.Contains(t, err.Error(), "Spambot")
	assert.Equal(t, 1, session.closed)
}

func TestAcquire_GivesUpAfterMaxAttempts(t *testing.T) {
	session := &fakeSession{states: []string{stateChallenge}}
	a := newTestAcquirer(&fakeBrowser{session: session}, nil, 5)

	_, err := a.Acquire(context.Background(), formURL)

	require.ErrorIs(t, err, ErrChallengeUnavailable)
	assert.Equal(t, 5, session.probes)
	assert.Equal(t, 1, session.closed)
}

func TestAcquire_ProbeErrorsTreatedAsLoading(t *testing.T) {
	session := &fakeSession{probeErr: errors.New("execution context was destroyed")}
	a := newTestAcquirer(&fakeBrowser{session: session}, nil, 3)

	_, err := a.Acquire(context.Background(), formURL)

	require.ErrorIs(t, err, ErrChallengeUnavailable)
	assert.Equal(t, 3, session.probes)
}

func TestAcquire_CancelledContext(t *testing.T) {
	session := &fakeSession{states: []string{stateChallenge}}
	a := newTestAcquirer(&fakeBrowser{session: session}, nil, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Acquire(ctx, formURL)

	require.ErrorIs(t, err, ErrChallengeUnavailable)
	assert.Contains(t, err.Error(), context.Canceled.Error())
	assert.Equal(t, 1, session.probes)
	assert.Equal(t, 1, session.closed, "キャンセル時もブラウザは閉じられるはずです")
}

func TestAcquire_BrowserOpenFails(t *testing.T) {
	a := newTestAcquirer(&fakeBrowser{err: errors.New("chromium not found")}, nil, 10)

	_, err := a.Acquire(context.Background(), formURL)

	require.ErrorIs(t, err, ErrChallengeUnavailable)
	assert.Contains(t, err.Error(), "chromium not found")
}

func TestAcquire_InvalidFormURL(t *testing.T) {
	browser := &fakeBrowser{session: &fakeSession{}}
	a := newTestAcquirer(browser, nil, 10)

	_, err := a.Acquire(context.Background(), "not a url")

	require.ErrorIs(t, err, ErrChallengeUnavailable)
	assert.Empty(t, browser.opened)
}

func TestAcquire_MirrorsBrowserCookies(t *testing.T) {
	// Arrange
	jar := network.NewJar(nil)
	session := &fakeSession{
		states:  []string{stateForm},
		cookies: "cf_clearance=clear123; PHPSESSID=sess",
	}
	a := newTestAcquirer(&fakeBrowser{session: session}, jar, 10)

	// Act
	_, err := a.Acquire(context.Background(), formURL)

	// Assert
	require.NoError(t, err)
	u, err := url.Parse(formURL)
	require.NoError(t, err)
	v, ok := jar.Value(u, "cf_clearance")
	require.True(t, ok)
	assert.Equal(t, "clear123", v)
	v, ok = jar.Value(u, "PHPSESSID")
	require.True(t, ok)
	assert.Equal(t, "sess", v)

	sibling, err := url.Parse("https://komica1.org/")
	require.NoError(t, err)
	v, ok = jar.Value(sibling, "cf_clearance")
	require.True(t, ok, "エッジCookieは親ドメインにも共有されるはずです")
	assert.Equal(t, "clear123", v)
}

func TestDisabled_ReturnsEmptyToken(t *testing.T) {
	token, err := Disabled{}.Acquire(context.Background(), formURL)

	require.NoError(t, err)
	assert.Empty(t, token)
}
