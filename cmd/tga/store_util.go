package main

import (
	"context"

	"github.com/talos-foundation/tga/pkg/runtime"
	"github.com/talos-foundation/tga/pkg/store"
)

func openStore(ctx context.Context, path, url string) (store.StateStore, error) {
	if url != "" {
		return store.OpenPostgres(ctx, url)
	}
	return store.OpenSQLite(ctx, path)
}

func verifyStore(ctx context.Context, st store.StateStore) (int, error) {
	return runtime.VerifyChain(ctx, st)
}
