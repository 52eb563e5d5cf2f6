package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/namikmesic/edgechat/internal/stream"
	"github.com/spf13/cobra"
)

type askCommander struct {
	server string
	render bool
}

func newAskCmd() *cobra.Command {
	cmder := &askCommander{}

	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Stream an answer from a running edgechat server",
		Long: `Stream an answer from a running edgechat server.

Without a query the server's default query is used.

Example:
  edgechat ask "What is a goroutine?"
  edgechat ask --render "Show a Go hello world"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return cmder.run(cmd.Context(), cmd.OutOrStdout(), query)
		},
	}

	cmd.Flags().StringVar(&cmder.server, "server", "http://localhost:8787", "edgechat server URL")
	cmd.Flags().BoolVar(&cmder.render, "render", false, "Render the answer as markdown")

	return cmd
}

func (c *askCommander) run(ctx context.Context, out io.Writer, query string) error {
	u, err := url.Parse(c.server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	u = u.JoinPath("api", "chat")
	if query != "" {
		u.RawQuery = url.Values{"query": {query}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var renderer *glamour.TermRenderer
	if c.render {
		renderer, err = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(120),
		)
		if err != nil {
			return fmt.Errorf("create markdown renderer: %w", err)
		}
	}

	return printAnswer(resp.Body, out, renderer)
}

// printAnswer writes the text of each event in body to out. With a renderer,
// text is held back until a paragraph break and rendered as markdown.
func printAnswer(body io.Reader, out io.Writer, renderer *glamour.TermRenderer) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pending strings.Builder
	for scanner.Scan() {
		ev, ok, err := stream.ParseLine(scanner.Text())
		if err != nil || !ok {
			continue
		}

		if renderer == nil {
			if _, err := io.WriteString(out, ev.Text()); err != nil {
				return err
			}
			continue
		}

		pending.WriteString(ev.Text())
		content := pending.String()
		if idx := paragraphBreak(content); idx > 0 {
			if err := renderMarkdown(out, renderer, content[:idx]); err != nil {
				return err
			}
			pending.Reset()
			pending.WriteString(content[idx:])
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	if renderer != nil && pending.Len() > 0 {
		if err := renderMarkdown(out, renderer, pending.String()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(out)
	return err
}

// paragraphBreak returns the offset just past the last blank line in s, or
// -1 if there is none.
func paragraphBreak(s string) int {
	const marker = "\n\n"
	idx := strings.LastIndex(s, marker)
	if idx < 0 {
		return -1
	}
	return idx + len(marker)
}

func renderMarkdown(out io.Writer, renderer *glamour.TermRenderer, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	md, err := renderer.Render(content)
	if err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(md))
	return err
}
