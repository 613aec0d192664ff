package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/roost-im/roost/server/store/types"
)

func TestListenAndServeStop(t *testing.T) {
	setup(t)

	stop := make(chan bool)
	done := make(chan error, 1)
	go func() {
		done <- listenAndServe("127.0.0.1:0", http.NotFoundHandler(), stop)
	}()

	select {
	case stop <- true:
	case <-time.After(time.Second):
		t.Fatal("listenAndServe is not waiting for stop")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for shutdown")
	}

	lunch := types.Triple{Class: "help", Instance: "lunch", Recipient: "*"}
	if err := globals.subscriber.Subscribe(context.Background(), aliceUid, lunch, nil); err != types.ErrShuttingDown {
		t.Errorf("Expected ErrShuttingDown after stop, got %v", err)
	}
}

func TestListenAndServeFailure(t *testing.T) {
	setup(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	done := make(chan error, 1)
	go func() {
		done <- listenAndServe(busy.Addr().String(), http.NotFoundHandler(), make(chan bool))
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected listen error on a busy address")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for listen failure")
	}
}
