package citation

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"ragstream/pkg/contract"
)

// Format: 导出格式。
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
)

// ParseFormat 解析格式名（大小写不敏感，"markdown" 等价于 "md"）。
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("citation: unknown export format %q: %w", s, contract.ErrInvalidInput)
}

// Ext 返回格式对应的文件扩展名。
func (f Format) Ext() string { return "." + string(f) }

// excerptRunes: 摘录的最大字符数。
const excerptRunes = 200

// CSVHeader: CSV 导出列。
var CSVHeader = []string{"n", "source", "version", "language", "chunk", "question", "excerpt", "ts"}

// Row: 一条导出记录。
type Row struct {
	N        int    `json:"n"`
	Source   string `json:"source"`
	Version  string `json:"version,omitempty"`
	Language string `json:"language,omitempty"`
	Chunk    *int   `json:"chunk,omitempty"`
	Question string `json:"question"`
	Excerpt  string `json:"excerpt"`
	TS       string `json:"ts"`
}

// Rows 将引用与头部信息展开为导出记录；excerpt 取对应上下文的前若干字符。
func Rows(question string, cites []contract.Citation, hdr *contract.Header, ts time.Time) []Row {
	rows := make([]Row, 0, len(cites))
	stamp := ts.UTC().Format(time.RFC3339)
	for _, c := range cites {
		row := Row{N: c.Index, Source: c.Source, Chunk: c.Chunk, Question: question, TS: stamp}
		if hdr != nil {
			if c.Index-1 < len(hdr.Metadatas) {
				m := hdr.Metadatas[c.Index-1]
				row.Version = metaString(m, "version")
				row.Language = metaString(m, "language")
			}
			if c.Index-1 < len(hdr.Contexts) {
				row.Excerpt = excerpt(hdr.Contexts[c.Index-1])
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Render 按格式写出记录。
func Render(w io.Writer, f Format, rows []Row) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if rows == nil {
			rows = []Row{}
		}
		return enc.Encode(rows)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(CSVHeader); err != nil {
			return err
		}
		for _, r := range rows {
			chunk := ""
			if r.Chunk != nil {
				chunk = strconv.Itoa(*r.Chunk)
			}
			rec := []string{strconv.Itoa(r.N), r.Source, r.Version, r.Language, chunk, r.Question, r.Excerpt, r.TS}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatMarkdown:
		var sb strings.Builder
		sb.WriteString("# Citations\n")
		for _, r := range rows {
			fmt.Fprintf(&sb, "\n- [%d] %s", r.N, r.Source)
			if r.Chunk != nil {
				fmt.Fprintf(&sb, " (chunk %d)", *r.Chunk)
			}
			sb.WriteByte('\n')
			if r.Excerpt != "" {
				sb.WriteString("  > " + strings.ReplaceAll(r.Excerpt, "\n", " ") + "\n")
			}
		}
		_, err := io.WriteString(w, sb.String())
		return err
	}
	return fmt.Errorf("citation: unknown export format %q: %w", f, contract.ErrInvalidInput)
}

func metaString(m contract.Metadata, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= excerptRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == excerptRunes {
			return s[:i] + "…"
		}
		n++
	}
	return s
}
