package websocket

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hbomb79/Crate/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

type SocketHandler func(*SocketHub, *SocketMessage) error

// SocketHub is the struct responsible for managing
// the websocket upgrading, connecting, pushing and
// receiving of messages.
type SocketHub struct {
	handlers           map[string]SocketHandler
	upgrader           *websocket.Upgrader
	clients            []*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	receiveCh          chan *SocketMessage
	doneCh             chan struct{}
	connectionCallback func() map[string]any
	started            atomic.Bool
	running            atomic.Bool
}

// New returns a SocketHub with its channels ready. The hub must
// be started (see Start) before clients can connect.
func New() *SocketHub {
	return &SocketHub{
		handlers: make(map[string]SocketHandler),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sendCh:       make(chan *SocketMessage),
		receiveCh:    make(chan *SocketMessage),
		registerCh:   make(chan *socketClient),
		deregisterCh: make(chan *socketClient),
		doneCh:       make(chan struct{}),
	}
}

// WithConnectionCallback sets a callback that will be executed each time a new client
// connects to this socketHub. This allows the client to be furnished with a payload
// of the servers current state, without having to wait for an UPDATE packet.
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]any) {
	hub.connectionCallback = callback
}

// BindCommand binds a command title to a socket handler
func (hub *SocketHub) BindCommand(command string, handler SocketHandler) *SocketHub {
	hub.handlers[command] = handler
	return hub
}

// Start runs the socket hub until the context provided is cancelled.
func (hub *SocketHub) Start(ctx context.Context) {
	if ctx.Err() != nil {
		socketLogger.Emit(logger.STOP, "Refusing to start socket hub as provided context is already cancelled\n")
		return
	} else if !hub.started.CompareAndSwap(false, true) {
		socketLogger.Emit(logger.WARNING, "Attempting to start socketHub that has already been started! Ignoring request.\n")
		return
	}

	hub.running.Store(true)

	socketLogger.Emit(logger.INFO, "Opening SocketHub!\n")
	defer hub.close()
	for {
		select {
		case message := <-hub.sendCh:
			if message.Target == nil {
				hub.broadcastMessage(message)
				continue
			}

			if _, client := hub.findClient(*message.Target); client != nil {
				if err := client.SendMessage(message); err != nil {
					socketLogger.Emit(logger.ERROR, "Failed to send message to target {%v}: %v\n", message.Target, err)
				}
			} else {
				socketLogger.Emit(logger.WARNING, "Attempted to send message to target {%v}, but no matching client was found.\n", message.Target)
			}
		case message := <-hub.receiveCh:
			go hub.handleMessage(message)
		case client := <-hub.registerCh:
			if idx, _ := hub.findClient(client.id); idx > -1 {
				socketLogger.Emit(logger.ERROR, "Attempted to register client that is already registered (duplicate uuid)! Illegal!\n")
				client.Close()
				continue
			}

			hub.clients = append(hub.clients, client)
			socketLogger.Emit(logger.NEW, "Registered new client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				socketLogger.Emit(logger.REMOVE, "Deregistered client {%v}\n", client.id)
				continue
			}

			socketLogger.Emit(logger.WARNING, "Attempted to deregister unknown client {%v}\n", client.id)
		case <-ctx.Done():
			socketLogger.Emit(logger.REMOVE, "Shutting down socket hub! Closing all clients.\n")
			return
		}
	}
}

// Send queues the message for delivery. A message with a Target is only
// sent to the client with a matching ID, otherwise it is broadcast. The
// message is dropped if the hub is not running.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running.Load() {
		socketLogger.Emit(logger.VERBOSE, "Socket hub offline, dropping message %s\n", message.Title)
		return
	}

	select {
	case hub.sendCh <- message:
	case <-hub.doneCh:
	}
}

// UpgradeToSocket upgrades a given HTTP request to a websocket and
// adds the new client to the hub. It returns once the client disconnects.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running.Load() {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: SocketHub has not been started!\n")
		http.Error(w, "activity feed offline", http.StatusServiceUnavailable)
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: %v\n", err)
		return
	}

	client := &socketClient{id: uuid.New(), socket: sock}
	select {
	case hub.registerCh <- client:
	case <-hub.doneCh:
		client.Close()
		return
	}

	body := make(map[string]any)
	if hub.connectionCallback != nil {
		for k, v := range hub.connectionCallback() {
			body[k] = v
		}
	}
	body["client"] = client.id

	id := client.id
	hub.Send(&SocketMessage{
		Title:  "CONNECTION_ESTABLISHED",
		Body:   body,
		Target: &id,
		Type:   Welcome,
	})

	defer func() {
		select {
		case hub.deregisterCh <- client:
		case <-hub.doneCh:
		}
		client.Close()
	}()

	if err := client.Read(hub.receiveCh, hub.doneCh); err != nil {
		socketLogger.Emit(logger.DEBUG, "Client {%v} closed: %v\n", client.id, err)
	}
}

func (hub *SocketHub) Running() bool {
	return hub.running.Load()
}

func (hub *SocketHub) close() {
	hub.running.Store(false)
	close(hub.doneCh)

	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	socketLogger.Emit(logger.STOP, "Socket hub is now closed!\n")
}

// handleMessage forwards the command to the bound handler if one
// exists, replying with an error otherwise.
func (hub *SocketHub) handleMessage(command *SocketMessage) {
	if command.Type != Command {
		socketLogger.Emit(logger.WARNING, "SocketHub received a message from client {%v} of type {%v} - only commands can be sent to the server!\n", command.Origin, command.Type)
		return
	}

	replyWithError := func(err string) {
		hub.Send(&SocketMessage{
			Title:  "COMMAND_FAILURE",
			Id:     command.Id,
			Target: command.Origin,
			Body:   map[string]any{"command": command, "error": err},
			Type:   ErrorResponse,
		})
	}

	if handler, ok := hub.handlers[command.Title]; ok {
		if err := handler(hub, command); err != nil {
			socketLogger.Emit(logger.ERROR, "Handler for command '%v' returned error - %v\n", command.Title, err)
			replyWithError(err.Error())
		}

		return
	}

	replyWithError("Unknown command")
	socketLogger.Emit(logger.WARNING, "No handler found for command '%v'\n", command.Title)
}

func (hub *SocketHub) findClient(id uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx, client
		}
	}

	return -1, nil
}

// broadcastMessage sends the provided message to every connected
// client. A failing client does not stop delivery to the others.
func (hub *SocketHub) broadcastMessage(message *SocketMessage) {
	for _, client := range hub.clients {
		if err := client.SendMessage(message); err != nil {
			socketLogger.Emit(logger.WARNING, "Failed to broadcast %s to client {%v}: %v\n", message.Title, client.id, err)
		}
	}
}
