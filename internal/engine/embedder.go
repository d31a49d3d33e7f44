package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lazypower/recall/internal/memory"
	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	// EmbedBatch returns one vector per input text, in order. Implementations
	// must fail with memory.ErrLengthMismatch rather than return a short slice.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Model() string
	Dimensions() int
}

// OllamaEmbedder uses Ollama's embedding API. The model host may serve one
// request at a time, so calls queue on a semaphore instead of piling onto it.
type OllamaEmbedder struct {
	client  *api.Client
	model   string
	dims    atomic.Int64
	timeout time.Duration
	sem     *semaphore.Weighted
}

// NewOllamaEmbedder creates an embedder using Ollama's API at host.
// concurrency bounds in-flight requests to the host.
func NewOllamaEmbedder(host, model string, timeout time.Duration, concurrency int) (*OllamaEmbedder, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &OllamaEmbedder{
		client:  api.NewClient(u, &http.Client{Timeout: timeout}),
		model:   model,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return int(o.dims.Load()) }

// Embed sends text to Ollama's embed endpoint and returns the embedding vector.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in a single request.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, &memory.ExternalServiceError{Service: "ollama", Op: "embed", Retryable: true, Err: err}
	}
	defer o.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, classifyOllamaError("embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: sent %d texts, got %d vectors: %w",
			len(texts), len(resp.Embeddings), memory.ErrLengthMismatch)
	}

	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float64, len(emb))
		for j, v := range emb {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	if len(out[0]) > 0 {
		o.dims.Store(int64(len(out[0])))
	}
	return out, nil
}

// classifyOllamaError marks timeouts, connection failures and 5xx/429 as
// retryable; everything else (bad model, auth) is fatal.
func classifyOllamaError(op string, err error) error {
	retryable := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) {
		retryable = true
	}
	var status api.StatusError
	if errors.As(err, &status) {
		retryable = status.StatusCode >= 500 || status.StatusCode == http.StatusTooManyRequests
	}
	return &memory.ExternalServiceError{Service: "ollama", Op: op, Retryable: retryable, Err: err}
}

// ProbeOllama checks if Ollama is reachable and the embedding model is available.
func ProbeOllama(ctx context.Context, host, model string) bool {
	emb, err := NewOllamaEmbedder(host, model, 3*time.Second, 1)
	if err != nil {
		return false
	}
	_, err = emb.Embed(ctx, "test")
	return err == nil
}

// TFIDFEmbedder generates TF-IDF bag-of-words embeddings as a fallback.
type TFIDFEmbedder struct {
	vocab []string           // ordered vocabulary (top terms by doc frequency)
	idf   map[string]float64 // inverse document frequency per term
	dims  int
}

// NewTFIDFEmbedder builds a TF-IDF embedder from a corpus of memory contents.
func NewTFIDFEmbedder(corpus []string, maxTerms int) *TFIDFEmbedder {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	var docs []string
	for _, d := range corpus {
		if strings.TrimSpace(d) != "" {
			docs = append(docs, d)
		}
	}

	// Build document frequency
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	// Sort terms by document frequency (descending), take top maxTerms
	type termFreq struct {
		term string
		freq int
	}
	var terms []termFreq
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})

	dims := maxTerms
	if len(terms) < dims {
		dims = len(terms)
	}
	if dims == 0 {
		dims = 1 // minimum dimension to avoid zero-length vectors
	}

	vocab := make([]string, dims)
	idf := make(map[string]float64)
	numDocs := float64(len(docs))
	if numDocs == 0 {
		numDocs = 1
	}

	for i := 0; i < dims && i < len(terms); i++ {
		vocab[i] = terms[i].term
		// IDF = log(N / df) + 1 (smoothed)
		idf[vocab[i]] = math.Log(numDocs/float64(terms[i].freq)) + 1.0
	}

	return &TFIDFEmbedder{
		vocab: vocab,
		idf:   idf,
		dims:  dims,
	}
}

func (t *TFIDFEmbedder) Model() string  { return "tfidf" }
func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// Embed generates a normalized TF-IDF vector for the given text.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return make([]float64, t.dims), nil
	}

	// Count term frequencies
	tf := make(map[string]int)
	for _, tok := range tokens {
		tf[tok]++
	}

	// Build TF-IDF vector
	vec := make([]float64, t.dims)
	maxTF := 0
	for _, c := range tf {
		if c > maxTF {
			maxTF = c
		}
	}

	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// Augmented TF to prevent bias towards longer documents
		augTF := 0.5 + 0.5*float64(count)/float64(maxTF)
		idf := t.idf[term]
		if idf == 0 {
			idf = 1.0
		}
		vec[i] = augTF * idf
	}

	// L2 normalize
	memory.Normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text in turn; TF-IDF has no batch endpoint.
func (t *TFIDFEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := t.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
