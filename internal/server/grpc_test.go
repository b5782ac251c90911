package server_test

import (
	"context"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/server"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// blockingSnapshotter holds every TakeSnapshot call until released.
type blockingSnapshotter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSnapshotter) TakeSnapshot(_ context.Context, market uint16, trigger event.SnapshotTrigger, requestID uuid.UUID) (*core.SnapshotResult, error) {
	close(b.entered)
	<-b.release
	return &core.SnapshotResult{
		Snapshot: &event.TokenAmountSnapshot{
			SnapshotID: uuid.New(), Sequence: 1, MarketIndex: market,
			Amounts: []extractor.UserTokenAmount{
				{User: userKey, Authority: authorityKey, TokenAmount: big.NewInt(1)},
			},
			Trigger: trigger, RequestID: requestID,
		},
		Emitted: true,
	}, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestStartHTTP_WaitsForInFlightRequests(t *testing.T) {
	snap := &blockingSnapshotter{entered: make(chan struct{}), release: make(chan struct{})}
	addr := freeAddr(t)
	srv, err := server.NewGRPCServer("127.0.0.1:0", addr, &server.ServerDeps{
		Querier:     seededProjection(),
		Snapshotter: snap,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	returned := make(chan error, 1)
	go func() { returned <- srv.StartHTTP(ctx) }()

	base := "http://" + addr
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := make(chan int, 1)
	go func() {
		resp, err := http.Post(base+"/v1/markets/1/snapshots", "application/json", nil)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	<-snap.entered

	cancel()
	select {
	case err := <-returned:
		t.Fatalf("StartHTTP returned with a request in flight: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(snap.release)
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("StartHTTP: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StartHTTP did not return after the request finished")
	}
	if code := <-status; code != http.StatusCreated {
		t.Errorf("in-flight request: got %d, want 201", code)
	}
}
