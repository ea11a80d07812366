package core

import (
	"testing"

	"KomicaReader/internal/adapter"
	"KomicaReader/internal/config"
	"KomicaReader/internal/network"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestClient(t *testing.T) *network.Client {
	t.Helper()
	settings := config.NetworkSettings{
		UserAgent:            config.MobileUserAgent,
		RequestTimeoutMillis: 5000,
	}
	client, err := network.NewClient(settings, network.NewJar(newTestLogger()), network.WithLogger(newTestLogger()))
	require.NoError(t, err)
	return client
}

func newTestAdapter(origin string) adapter.SiteAdapter {
	return adapter.NewKomicaAdapter(origin, newTestLogger())
}

func testBoardSettings() config.BoardSettings {
	return config.BoardSettings{
		LegacyCharset:      "big5",
		LegacyCharsetHosts: []string{"gaia.komica1.org"},
		SearchLabel:        "搜尋",
		SubmitLabel:        "Submit",
		LegacySubmitLabel:  "送出",
	}
}

func testReplySettings() config.ReplySettings {
	return config.ReplySettings{
		MinTimerecordAgeSeconds: 120,
		Password:                "komicareader",
		MaxFileSize:             "5242880",
		SuccessMarkers:          []string{"寫入成功", "回文成功"},
		ErrorMarkers:            []string{"錯誤", "Error", "Spambot"},
		DiagnosticLength:        200,
	}
}
