package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"KomicaReader/internal/core"
	"KomicaReader/internal/model"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const (
	previewWidth = 60
	contentWidth = 80
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func printBoards(w io.Writer, categories []model.BoardCategory, asJSON bool) error {
	if asJSON {
		return writeJSON(w, categories)
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"カテゴリ", "掲示板", "URL"})
	total := 0
	for _, c := range categories {
		for _, b := range c.Boards {
			t.AppendRow(table.Row{c.Name, b.Name, b.URL})
			total++
		}
		t.AppendSeparator()
	}
	t.AppendFooter(table.Row{"合計", total, ""})
	t.Render()
	return nil
}

func printThreads(w io.Writer, threads []model.Thread, asJSON bool) error {
	if asJSON {
		return writeJSON(w, threads)
	}
	t := newTable(w)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, WidthMax: previewWidth},
	})
	t.AppendHeader(table.Row{"No.", "タイトル", "レス", "最終レス", "内容", "URL"})
	for _, th := range threads {
		t.AppendRow(table.Row{
			th.PostNumber,
			th.Title,
			th.ReplyCount,
			th.LastReplyTime,
			oneLine(th.ContentPreview),
			th.URL,
		})
	}
	t.AppendFooter(table.Row{"合計", len(threads)})
	t.Render()
	return nil
}

func printThreadDetail(w io.Writer, thread model.Thread, asJSON bool) error {
	if asJSON {
		return writeJSON(w, thread)
	}
	fmt.Fprintf(w, "%s  No.%d  (レス %d)\n%s\n\n", thread.Title, thread.PostNumber, thread.ReplyCount, thread.URL)

	t := newTable(w)
	t.Style().Options.SeparateRows = true
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: contentWidth},
	})
	t.AppendHeader(table.Row{"No.", "名前", "時刻", "本文", "画像"})
	for _, p := range thread.Posts {
		t.AppendRow(table.Row{p.Number, p.Author, p.Time, p.Content, p.ImageURL})
	}
	t.Render()
	return nil
}

func printReplyResult(w io.Writer, result core.ReplyResult, err error, asJSON bool) error {
	if asJSON {
		out := struct {
			core.ReplyResult
			Error string `json:",omitempty"`
		}{ReplyResult: result}
		if err != nil {
			out.Error = err.Error()
		}
		return writeJSON(w, out)
	}
	switch {
	case err == nil:
		fmt.Fprintln(w, text.FgGreen.Sprint("返信に成功しました"))
	case result.Blocked:
		fmt.Fprintln(w, text.FgRed.Sprintf("ボット対策に遮断されました (HTTP %d)", result.StatusCode))
	default:
		fmt.Fprintln(w, text.FgRed.Sprint("返信に失敗しました"))
	}
	if result.Diagnostic != "" {
		fmt.Fprintln(w, result.Diagnostic)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
