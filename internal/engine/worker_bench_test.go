package engine

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkWorkerPool_Group(b *testing.B) {
	for _, width := range []int{1, 8, 64} {
		b.Run(fmt.Sprintf("wave=%d", width), func(b *testing.B) {
			pool := NewWorkerPool("bench", 8)
			defer pool.Shutdown()
			ctx := context.Background()
			fns := make([]func(context.Context), width)
			for i := range fns {
				fns[i] = func(context.Context) {}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pool.Group(ctx, fns, nil)
			}
		})
	}
}
