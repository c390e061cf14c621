package llm

import (
	"context"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel answers from a queue of replies and records each request.
type fakeModel struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	info     map[string]any
	messages [][]llms.MessageContent
	options  []llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.messages = append(f.messages, messages)
	f.options = append(f.options, opts)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.replies) == 0 {
		return &llms.ContentResponse{}, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: reply, GenerationInfo: f.info}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) lastOptions() llms.CallOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.options[len(f.options)-1]
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[len(f.messages)-1]
	for _, part := range msgs[len(msgs)-1].Parts {
		if tp, ok := part.(llms.TextContent); ok {
			return tp.Text
		}
	}
	return ""
}

// fakeEmbedder returns a vector of length dim per text.
type fakeEmbedder struct {
	dim   int
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(len(t) + j)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}
