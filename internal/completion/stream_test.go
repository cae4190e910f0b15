package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"LogChat/internal/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var fragments []string
	for {
		fragment, err := s.Recv()
		if err != nil {
			return fragments, err
		}
		fragments = append(fragments, fragment)
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"fragment", dataLine(" Hello"), " Hello", true},
		{"empty text", dataLine(""), "", true},
		{"done marker", "data: [DONE]", "", false},
		{"malformed json", `data: {"choices":[{"text":`, "", false},
		{"no choices", `data: {"choices":[]}`, "", false},
		{"choice without text", `data: {"choices":[{"index":0}]}`, "", false},
		{"missing space after colon", `data:{"choices":[{"text":"x"}]}`, "", false},
		{"comment", ": keep-alive", "", false},
		{"event field", "event: completion", "", false},
		{"blank", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseLine(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSendMessageStream_YieldsFragmentsInOrder(t *testing.T) {
	srv := newFakeServer(t, sseReply(
		dataLine(" Hello"),
		"",
		dataLine(","),
		": keep-alive",
		dataLine(" world"),
		"",
		"data: [DONE]",
	))
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "Hi")
	require.NoError(t, err)

	fragments, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{" Hello", ",", " world"}, fragments)
	assert.Equal(t, " Hello, world", s.Text())
	assert.Equal(t, 3, s.Fragments())

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Stream)

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, "Hi", history[0].Input)
	assert.Equal(t, "Hello, world", history[0].Response)

	// A finished stream keeps reporting its terminal state.
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
	assert.Len(t, c.History(), 1)
}

func TestSendMessageStream_MatchesBlockingText(t *testing.T) {
	chunks := []string{"\n\n", "Zero", "-knowledge", " proofs", " let", " one", " party", " prove", " things.", " "}

	var lines []string
	for _, chunk := range chunks {
		lines = append(lines, dataLine(chunk))
	}
	streamSrv := newFakeServer(t, sseReply(lines...))
	blockSrv := newFakeServer(t, jsonReply(strings.Join(chunks, "")))

	streamed, err := newTestClient(t, streamSrv.URL).SendMessageStream(context.Background(), "What are ZKPs?")
	require.NoError(t, err)
	streamText, err := streamed.Collect()
	require.NoError(t, err)

	blockText, err := newTestClient(t, blockSrv.URL).SendMessage(context.Background(), "What are ZKPs?")
	require.NoError(t, err)

	assert.Equal(t, blockText, streamText)
	assert.Equal(t, strings.Join(chunks, ""), streamed.Text())
	assert.Equal(t, streamSrv.Requests()[0].Prompt, blockSrv.Requests()[0].Prompt)
}

func TestSendMessageStream_DropsMalformedLine(t *testing.T) {
	srv := newFakeServer(t, sseReply(
		dataLine("one"),
		dataLine(" two"),
		`data: {"choices":[{"text": BROKEN`,
		dataLine(" four"),
		"data: [DONE]",
	))
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "count")
	require.NoError(t, err)

	fragments, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"one", " two", " four"}, fragments)
	require.Len(t, c.History(), 1)
	assert.Equal(t, "one two four", c.History()[0].Response)
}

func TestSendMessageStream_NonSuccessStatusFailsBeforeFragments(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ backend.CompletionRequest) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "hi")
	assert.Nil(t, s)
	var reqErr *RequestFailedError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusTooManyRequests, reqErr.StatusCode)
	assert.Empty(t, c.History())

	// The session slot was released.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.SendMessageStream(ctx, "hi")
	assert.ErrorAs(t, err, &reqErr)
}

func TestSendMessageStream_MidStreamFailure(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ backend.CompletionRequest) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "no hijack", http.StatusInternalServerError)
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			return
		}
		defer conn.Close()

		chunk := dataLine("partial") + "\n"
		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(chunk), chunk)
		_ = buf.Flush()
	})
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	fragments, err := drain(t, s)
	assert.Equal(t, []string{"partial"}, fragments)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, c.History())
}

func TestSendMessageStream_EmptyStream(t *testing.T) {
	srv := newFakeServer(t, sseReply(": ping", "data: [DONE]"))
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrEmptyCompletion)
	assert.Empty(t, c.History())
}

// holdOpen streams one fragment and keeps the connection open until the
// client goes away.
func holdOpen(w http.ResponseWriter, r *http.Request, _ backend.CompletionRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, dataLine("first")+"\n")
	w.(http.Flusher).Flush()
	<-r.Context().Done()
}

func TestSendMessageStream_CloseAbandonsTurn(t *testing.T) {
	srv := newFakeServer(t, holdOpen)
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	fragment, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", fragment)

	require.NoError(t, s.Close())
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Empty(t, c.History())
}

func TestSendMessageStream_BreakingRangeClosesStream(t *testing.T) {
	srv := newFakeServer(t, holdOpen)
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	for fragment, err := range s.All() {
		require.NoError(t, err)
		assert.Equal(t, "first", fragment)
		break
	}

	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Empty(t, c.History())
}

func TestSendMessageStream_ContextCancelEndsStream(t *testing.T) {
	srv := newFakeServer(t, holdOpen)
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.SendMessageStream(ctx, "hi")
	require.NoError(t, err)

	_, err = s.Recv()
	require.NoError(t, err)

	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.History())
}

func TestSendMessageStream_StreamTimeout(t *testing.T) {
	srv := newFakeServer(t, holdOpen)
	c := newTestClient(t, srv.URL, func(o *Options) { o.StreamTimeout = 50 * time.Millisecond })

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	_, err = drain(t, s)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.History())
}

func TestSendMessageStream_DropsRecordWithoutText(t *testing.T) {
	srv := newFakeServer(t, sseReply(
		`data: {"choices":[{"index":0}]}`,
		dataLine("only"),
		"data: [DONE]",
	))
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	fragments, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"only"}, fragments)
	require.Len(t, c.History(), 1)
	assert.Equal(t, "only", c.History()[0].Response)
}

func TestSendMessageStream_StalledHeadersTimeOut(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, req backend.CompletionRequest) {
		if !req.Stream {
			jsonReply("ok")(w, r, req)
			return
		}
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	})
	c := newTestClient(t, srv.URL, func(o *Options) { o.Timeout = 100 * time.Millisecond })

	start := time.Now()
	s, err := c.SendMessageStream(context.Background(), "hi")
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, c.History())

	// the session slot was released
	got, err := c.SendMessage(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestSendMessageStream_IdleStreamTimesOut(t *testing.T) {
	srv := newFakeServer(t, holdOpen)
	c := newTestClient(t, srv.URL, func(o *Options) { o.Timeout = 100 * time.Millisecond })

	s, err := c.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	fragment, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", fragment)

	start := time.Now()
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, c.History())
}

func TestSendMessageStream_HoldsSessionUntilDone(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, req backend.CompletionRequest) {
		if req.Stream {
			holdOpen(w, r, req)
			return
		}
		jsonReply("ok")(w, r, req)
	})
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "streamed")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.SendMessage(ctx, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, srv.Requests(), 1)

	require.NoError(t, s.Close())
	got, err := c.SendMessage(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	require.Len(t, c.History(), 1)
	assert.Equal(t, "next", c.History()[0].Input)
}

func TestSendMessageStream_HistoryFeedsNextPrompt(t *testing.T) {
	srv := newFakeServer(t, sseReply(dataLine(" I'm"), dataLine(" fine.")))
	c := newTestClient(t, srv.URL)

	s, err := c.SendMessageStream(context.Background(), "How are you?")
	require.NoError(t, err)
	_, err = s.Collect()
	require.NoError(t, err)

	s, err = c.SendMessageStream(context.Background(), "Really?")
	require.NoError(t, err)
	_, err = s.Collect()
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "P\nUser: How are you?\nChatGPT: I'm fine.\nUser: Really?\n\n\nChatGPT:", reqs[1].Prompt)
}
