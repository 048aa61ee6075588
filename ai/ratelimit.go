// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ai

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedEmbedder throttles calls to a wrapped Embedder. Each EmbedTexts
// call counts as one request regardless of batch size.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

var _ Embedder = (*RateLimitedEmbedder)(nil)

// NewRateLimitedEmbedder wraps next with a token bucket limiter. A
// non-positive rate returns next unchanged.
func NewRateLimitedEmbedder(next Embedder, perSecond float64, burst int) Embedder {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedder{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// EmbedText waits for a token, then embeds.
func (r *RateLimitedEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.EmbedText(ctx, text)
}

// EmbedTexts waits for a token, then embeds the batch.
func (r *RateLimitedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.EmbedTexts(ctx, texts)
}
