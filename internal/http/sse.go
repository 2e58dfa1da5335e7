package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// clientBuffer is how many events a slow client may fall behind before
// events are dropped for it.
const clientBuffer = 32

// Broker fans events out to every subscribed stream client.
type Broker struct {
	clients    map[chan string]bool
	newClients chan chan string
	defunct    chan chan string
	messages   chan string
	done       chan struct{}
	mutex      sync.Mutex
}

func NewBroker() *Broker {
	b := &Broker{
		clients:    make(map[chan string]bool),
		newClients: make(chan chan string),
		defunct:    make(chan chan string),
		messages:   make(chan string, clientBuffer),
		done:       make(chan struct{}),
	}
	go b.start()
	return b
}

func (b *Broker) start() {
	for {
		select {
		case s := <-b.newClients:
			b.mutex.Lock()
			b.clients[s] = true
			b.mutex.Unlock()
			slog.Debug("stream client added")

		case s := <-b.defunct:
			b.mutex.Lock()
			if b.clients[s] {
				delete(b.clients, s)
				close(s)
			}
			b.mutex.Unlock()
			slog.Debug("stream client removed")

		case msg := <-b.messages:
			b.mutex.Lock()
			for s := range b.clients {
				select {
				case s <- msg:
				default:
				}
			}
			b.mutex.Unlock()

		case <-b.done:
			b.mutex.Lock()
			for s := range b.clients {
				delete(b.clients, s)
				close(s)
			}
			b.mutex.Unlock()
			return
		}
	}
}

// Subscribe registers a client. The channel is closed after Unsubscribe or
// Close.
func (b *Broker) Subscribe() chan string {
	ch := make(chan string, clientBuffer)
	select {
	case b.newClients <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

func (b *Broker) Unsubscribe(ch chan string) {
	select {
	case b.defunct <- ch:
	case <-b.done:
	}
}

func (b *Broker) Clients() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.clients)
}

func (b *Broker) Broadcast(msg string) {
	select {
	case b.messages <- msg:
	case <-b.done:
	}
}

func (b *Broker) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// ServeHTTP streams events as server-sent events.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	messageChan := b.Subscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	go func() {
		<-r.Context().Done()
		b.Unsubscribe(messageChan)
	}()

	for msg := range messageChan {
		fmt.Fprintf(w, "data: %s\n\n", msg)
		flusher.Flush()
	}
}
