package ctxutil_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/gtmlake/internal/ctxutil"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ctxutil.RequestIDFromContext(ctx))
	assert.Empty(t, ctxutil.ClientIDFromContext(ctx))

	ctx = ctxutil.WithRequestID(ctx, "req-1")
	ctx = ctxutil.WithClientID(ctx, "crm")
	assert.Equal(t, "req-1", ctxutil.RequestIDFromContext(ctx))
	assert.Equal(t, "crm", ctxutil.ClientIDFromContext(ctx))
}
