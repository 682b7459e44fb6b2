package redkv

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// getFreePort finds an available TCP port for a test server to bind to.
func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer func(l *net.TCPListener) {
		err := l.Close()
		if err != nil {
			fmt.Printf("failed to close listener: %v", err)
		}
	}(l)
	return l.Addr().(*net.TCPAddr).Port, nil
}

// startTestServer boots a real Server on an ephemeral port with its default
// built-in handlers (backed by the real Store, not a test double) and
// returns a connected go-redis client against it.
func startTestServer(t *testing.T) (*Server, *redis.Client, func()) {
	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}

	address := fmt.Sprintf(":%d", port)
	server := NewServer(address)

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("localhost:%d", port),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to connect to test server: %v", err)
	}

	cleanup := func() {
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}

	return server, client, cleanup
}

func TestBasicCommands(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("PING", func(t *testing.T) {
		result := client.Ping(ctx)
		if result.Err() != nil {
			t.Errorf("PING failed: %v", result.Err())
		}
		if result.Val() != "PONG" {
			t.Errorf("expected PONG, got %s", result.Val())
		}
	})

	t.Run("PING with message", func(t *testing.T) {
		result := client.Do(ctx, "PING", "hello")
		if result.Err() != nil {
			t.Errorf("PING with message failed: %v", result.Err())
		}
		if result.Val() != "hello" {
			t.Errorf("expected hello, got %v", result.Val())
		}
	})

	t.Run("ECHO", func(t *testing.T) {
		result := client.Echo(ctx, "test message")
		if result.Err() != nil {
			t.Errorf("ECHO failed: %v", result.Err())
		}
		if result.Val() != "test message" {
			t.Errorf("expected 'test message', got '%s'", result.Val())
		}
	})
}

func TestSetGetOperations(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("SET and GET", func(t *testing.T) {
		setResult := client.Set(ctx, "testkey", "testvalue", 0)
		if setResult.Err() != nil {
			t.Errorf("SET failed: %v", setResult.Err())
		}
		if setResult.Val() != "OK" {
			t.Errorf("expected OK, got %s", setResult.Val())
		}

		getResult := client.Get(ctx, "testkey")
		if getResult.Err() != nil {
			t.Errorf("GET failed: %v", getResult.Err())
		}
		if getResult.Val() != "testvalue" {
			t.Errorf("expected testvalue, got %s", getResult.Val())
		}
	})

	t.Run("GET non-existent key", func(t *testing.T) {
		getResult := client.Get(ctx, "nonexistent")
		if getResult.Err() != redis.Nil {
			t.Errorf("expected redis.Nil error, got %v", getResult.Err())
		}
	})

	t.Run("SET with EX", func(t *testing.T) {
		if err := client.Do(ctx, "SET", "expiring", "v", "EX", "100").Err(); err != nil {
			t.Errorf("SET with EX failed: %v", err)
		}
		got := client.Get(ctx, "expiring")
		if got.Err() != nil || got.Val() != "v" {
			t.Errorf("expected v, got %v err=%v", got.Val(), got.Err())
		}
	})

	t.Run("Multiple SET/GET", func(t *testing.T) {
		keys := []string{"key1", "key2", "key3"}
		values := []string{"value1", "value2", "value3"}

		for i, key := range keys {
			if err := client.Set(ctx, key, values[i], 0).Err(); err != nil {
				t.Errorf("SET %s failed: %v", key, err)
			}
		}

		for i, key := range keys {
			result := client.Get(ctx, key)
			if result.Err() != nil {
				t.Errorf("GET %s failed: %v", key, result.Err())
			}
			if result.Val() != values[i] {
				t.Errorf("expected %s, got %s", values[i], result.Val())
			}
		}
	})
}

func TestDeleteAndExistsOperations(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	client.Set(ctx, "key1", "value1", 0)
	client.Set(ctx, "key2", "value2", 0)
	client.Set(ctx, "key3", "value3", 0)

	t.Run("EXISTS", func(t *testing.T) {
		result := client.Exists(ctx, "key1", "key2", "nonexistent")
		if result.Err() != nil {
			t.Errorf("EXISTS failed: %v", result.Err())
		}
		if result.Val() != 2 {
			t.Errorf("expected 2 existing keys, got %d", result.Val())
		}
	})

	t.Run("DEL single key", func(t *testing.T) {
		result := client.Del(ctx, "key1")
		if result.Err() != nil {
			t.Errorf("DEL failed: %v", result.Err())
		}
		if result.Val() != 1 {
			t.Errorf("expected 1 deleted key, got %d", result.Val())
		}

		getResult := client.Get(ctx, "key1")
		if getResult.Err() != redis.Nil {
			t.Errorf("key should be deleted, but GET succeeded: %v", getResult.Val())
		}
	})

	t.Run("DEL multiple keys", func(t *testing.T) {
		result := client.Del(ctx, "key2", "key3", "nonexistent")
		if result.Err() != nil {
			t.Errorf("DEL failed: %v", result.Err())
		}
		if result.Val() != 2 {
			t.Errorf("expected 2 deleted keys, got %d", result.Val())
		}
	})
}

func TestIncrDecrOperations(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("INCR on missing key starts at zero", func(t *testing.T) {
		result := client.Incr(ctx, "counter")
		if result.Err() != nil {
			t.Errorf("INCR failed: %v", result.Err())
		}
		if result.Val() != 1 {
			t.Errorf("expected 1, got %d", result.Val())
		}
	})

	t.Run("DECR on missing key is Redis-faithful", func(t *testing.T) {
		result := client.Decr(ctx, "missing_counter")
		if result.Err() != nil {
			t.Errorf("DECR failed: %v", result.Err())
		}
		if result.Val() != -1 {
			t.Errorf("expected -1, got %d", result.Val())
		}
	})

	t.Run("INCR on non-integer value errors", func(t *testing.T) {
		client.Set(ctx, "notanumber", "hello", 0)
		result := client.Incr(ctx, "notanumber")
		if result.Err() == nil {
			t.Error("expected error incrementing non-integer value")
		}
	})
}

func TestListOperations(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("RPUSH and LRANGE", func(t *testing.T) {
		client.RPush(ctx, "mylist", "a", "b", "c")
		result := client.LRange(ctx, "mylist", 0, -1)
		if result.Err() != nil {
			t.Errorf("LRANGE failed: %v", result.Err())
		}
		expected := []string{"a", "b", "c"}
		if len(result.Val()) != len(expected) {
			t.Fatalf("expected %d items, got %d", len(expected), len(result.Val()))
		}
		for i, v := range expected {
			if result.Val()[i] != v {
				t.Errorf("index %d: expected %s, got %s", i, v, result.Val()[i])
			}
		}
	})

	t.Run("LPUSH prepends", func(t *testing.T) {
		client.LPush(ctx, "mylist2", "a")
		client.LPush(ctx, "mylist2", "b")
		result := client.LRange(ctx, "mylist2", 0, -1)
		if result.Val()[0] != "b" || result.Val()[1] != "a" {
			t.Errorf("expected [b a], got %v", result.Val())
		}
	})

	t.Run("LRANGE inclusive bounds", func(t *testing.T) {
		client.RPush(ctx, "mylist3", "a", "b", "c", "d")
		result := client.LRange(ctx, "mylist3", 0, 2)
		if len(result.Val()) != 3 {
			t.Errorf("expected 3 items (inclusive of stop), got %d", len(result.Val()))
		}
	})
}

func TestConcurrentAccess(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()
	numGoroutines := 50
	numOperations := 100

	var wg sync.WaitGroup
	errors := make(chan error, numGoroutines*numOperations)

	t.Run("Concurrent SET operations", func(t *testing.T) {
		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(goroutineID int) {
				defer wg.Done()
				for j := 0; j < numOperations; j++ {
					key := fmt.Sprintf("concurrent_key_%d_%d", goroutineID, j)
					value := fmt.Sprintf("value_%d_%d", goroutineID, j)
					if err := client.Set(ctx, key, value, 0).Err(); err != nil {
						errors <- fmt.Errorf("SET failed for %s: %v", key, err)
					}
				}
			}(i)
		}

		wg.Wait()
		close(errors)

		for err := range errors {
			t.Error(err)
		}
	})

	t.Run("Verify concurrent data", func(t *testing.T) {
		for i := 0; i < numGoroutines; i++ {
			for j := 0; j < numOperations; j++ {
				key := fmt.Sprintf("concurrent_key_%d_%d", i, j)
				expectedValue := fmt.Sprintf("value_%d_%d", i, j)

				result := client.Get(ctx, key)
				if result.Err() != nil {
					t.Errorf("GET failed for %s: %v", key, result.Err())
					continue
				}
				if result.Val() != expectedValue {
					t.Errorf("data corruption for %s: expected %s, got %s", key, expectedValue, result.Val())
				}
			}
		}
	})

	t.Run("Concurrent INCR is atomic", func(t *testing.T) {
		var incrWg sync.WaitGroup
		for i := 0; i < numGoroutines; i++ {
			incrWg.Add(1)
			go func() {
				defer incrWg.Done()
				for j := 0; j < numOperations; j++ {
					client.Incr(ctx, "shared_counter")
				}
			}()
		}
		incrWg.Wait()

		result := client.Get(ctx, "shared_counter")
		expected := fmt.Sprintf("%d", numGoroutines*numOperations)
		if result.Val() != expected {
			t.Errorf("expected %s, got %s (lost updates under concurrent INCR)", expected, result.Val())
		}
	})
}

func TestErrorHandling(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("Wrong number of arguments", func(t *testing.T) {
		result := client.Do(ctx, "SET", "key")
		if result.Err() == nil {
			t.Error("expected error for SET with wrong arguments")
		}

		result = client.Do(ctx, "GET")
		if result.Err() == nil {
			t.Error("expected error for GET with no arguments")
		}

		result = client.Do(ctx, "ECHO", "arg1", "arg2")
		if result.Err() == nil {
			t.Error("expected error for ECHO with too many arguments")
		}
	})

	t.Run("SET with bad expiry option", func(t *testing.T) {
		result := client.Do(ctx, "SET", "key", "value", "ZZ", "10")
		if result.Err() == nil {
			t.Error("expected syntax error for unknown SET option")
		}
	})

	t.Run("Unknown command", func(t *testing.T) {
		result := client.Do(ctx, "UNKNOWN_COMMAND", "arg1")
		if result.Err() == nil {
			t.Error("expected error for unknown command")
		}
	})

	t.Run("WRONGTYPE on list op against string key", func(t *testing.T) {
		client.Set(ctx, "stringkey", "value", 0)
		result := client.Do(ctx, "LPUSH", "stringkey", "v")
		if result.Err() == nil {
			t.Error("expected WRONGTYPE error")
		}
	})
}

func TestPipelining(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	pipe := client.Pipeline()
	pipe.Set(ctx, "pk1", "v1", 0)
	pipe.Set(ctx, "pk2", "v2", 0)
	getCmd1 := pipe.Get(ctx, "pk1")
	getCmd2 := pipe.Get(ctx, "pk2")

	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("pipeline exec failed: %v", err)
	}

	if getCmd1.Val() != "v1" || getCmd2.Val() != "v2" {
		t.Errorf("expected v1/v2, got %s/%s", getCmd1.Val(), getCmd2.Val())
	}
}

func TestConnectionStates(t *testing.T) {
	server, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	stateChanges := make(chan ConnState, 10)
	server.ConnStateHook = func(conn net.Conn, state ConnState) {
		t.Logf("state change: %v", state)
		select {
		case stateChanges <- state:
		case <-time.After(100 * time.Millisecond):
			t.Log("failed to send state change to channel")
		}
	}

	t.Run("Connection lifecycle", func(t *testing.T) {
		newClient := redis.NewClient(&redis.Options{
			Addr: client.Options().Addr,
		})
		defer newClient.Close()

		err := newClient.Ping(ctx).Err()
		if err != nil {
			t.Fatalf("ping failed: %v", err)
		}

		time.Sleep(200 * time.Millisecond)

		states := []ConnState{}
		timeout := time.After(500 * time.Millisecond)

	collect:
		for {
			select {
			case state := <-stateChanges:
				states = append(states, state)
			case <-timeout:
				break collect
			}
		}

		if len(states) == 0 {
			t.Log("no state changes detected - this might indicate the hook is not being called")
			return
		}

		var foundNew, foundActive bool
		for _, state := range states {
			if state == StateNew {
				foundNew = true
			}
			if state == StateActive {
				foundActive = true
			}
		}

		if !foundNew {
			t.Error("should have seen StateNew")
		}
		if !foundActive {
			t.Error("should have seen StateActive")
		}
	})
}

func TestServerShutdown(t *testing.T) {
	server, client, _ := startTestServer(t)

	ctx := context.Background()

	t.Run("Graceful shutdown", func(t *testing.T) {
		if err := client.Ping(ctx).Err(); err != nil {
			t.Errorf("server should be working before shutdown: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			t.Errorf("server shutdown failed: %v", err)
		}

		if !server.IsShutdown() {
			t.Error("server should report as shut down")
		}

		client.Close()
	})
}

func TestIdleConnections(t *testing.T) {
	server, _, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	server.IdleTimeout = 100 * time.Millisecond

	stateChanges := make(chan ConnState, 20)
	server.ConnStateHook = func(conn net.Conn, state ConnState) {
		select {
		case stateChanges <- state:
		case <-time.After(100 * time.Millisecond):
		}
	}

	t.Run("Idle state transition", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("localhost%s", server.Address),
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			t.Fatalf("initial ping failed: %v", err)
		}

		time.Sleep(150 * time.Millisecond)
		server.TriggerIdleCheck()
		time.Sleep(50 * time.Millisecond)

		states := []ConnState{}
		deadline := time.After(200 * time.Millisecond)

	collect:
		for {
			select {
			case state := <-stateChanges:
				states = append(states, state)
			case <-deadline:
				break collect
			}
		}

		if len(states) == 0 {
			t.Error("no state changes detected")
			return
		}

		var foundActive, foundIdle bool
		for _, state := range states {
			switch state {
			case StateActive:
				foundActive = true
			case StateIdle:
				foundIdle = true
			}
		}

		if !foundActive {
			t.Error("StateActive not found")
		}
		if !foundIdle {
			t.Error("StateIdle not detected even after manual trigger")
		}
	})
}

func TestKeyExpiry(t *testing.T) {
	_, client, cleanup := startTestServer(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("expired key reads as nil after its PX deadline", func(t *testing.T) {
		if err := client.Do(ctx, "SET", "soon", "v", "PX", "10").Err(); err != nil {
			t.Fatalf("SET with PX failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)

		result := client.Get(ctx, "soon")
		if result.Err() != redis.Nil {
			t.Errorf("expected expired key to read as nil, got %v / %v", result.Val(), result.Err())
		}
	})
}

func BenchmarkPingCommand(b *testing.B) {
	_, client, cleanup := startTestServer(&testing.T{})
	defer cleanup()

	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		client.Ping(ctx)
	}
}

func BenchmarkSetGet(b *testing.B) {
	_, client, cleanup := startTestServer(&testing.T{})
	defer cleanup()

	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("bench_key_%d", i)
		value := fmt.Sprintf("bench_value_%d", i)
		client.Set(ctx, key, value, 0)
		client.Get(ctx, key)
	}
}
