package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jibbs/catalog/internal/config"
)

const jinaEndpoint = "https://api.jina.ai/v1/embeddings"

// Embedder computes vectors for product text and images.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, imageURL string) ([]float32, error)
	Model() string
}

// JinaEmbedder calls the Jina embeddings API with a CLIP-family model, so
// text and image vectors live in the same space and either can be searched
// against either collection.
type JinaEmbedder struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
}

// NewJinaEmbedder creates a new JinaEmbedder from config.
func NewJinaEmbedder(cfg *config.EmbeddingConfig) *JinaEmbedder {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)

	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = jinaEndpoint
	}

	return &JinaEmbedder{
		client:     client,
		endpoint:   endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

// Model returns the model name being used.
func (e *JinaEmbedder) Model() string {
	return e.model
}

// Jina multimodal API request/response structures. Each input is either
// {"text": ...} or {"image": ...}.
type jinaInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type jinaRequest struct {
	Model         string      `json:"model"`
	Dimensions    int         `json:"dimensions,omitempty"`
	Input         []jinaInput `json:"input"`
	EmbeddingType string      `json:"embedding_type,omitempty"`
}

type jinaResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Detail string `json:"detail,omitempty"`
}

// EmbedText generates an embedding for a single text.
func (e *JinaEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return e.embedOne(ctx, jinaInput{Text: text})
}

// EmbedImage generates an embedding for an image given its URL.
func (e *JinaEmbedder) EmbedImage(ctx context.Context, imageURL string) ([]float32, error) {
	return e.embedOne(ctx, jinaInput{Image: imageURL})
}

func (e *JinaEmbedder) embedOne(ctx context.Context, input jinaInput) ([]float32, error) {
	req := jinaRequest{
		Model:         e.model,
		Dimensions:    e.dimensions,
		Input:         []jinaInput{input},
		EmbeddingType: "float",
	}

	var resp jinaResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(e.endpoint)

	if err != nil {
		return nil, fmt.Errorf("failed to call Jina API: %w", err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, fmt.Errorf("Jina API error: %s", resp.Detail)
		}
		return nil, fmt.Errorf("Jina API error: status %d", httpResp.StatusCode())
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	return resp.Data[0].Embedding, nil
}
