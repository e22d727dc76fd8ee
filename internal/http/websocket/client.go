package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	id      uuid.UUID
	socket  *websocket.Conn
	writeMu sync.Mutex
}

// SendMessage writes the message to the client. gorilla connections
// support only one concurrent writer.
func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	return client.socket.WriteJSON(message)
}

// Read starts a read-loop on the clients websocket connection, emitting
// all received messages on the channel provided. If the connection
// experiences an error, or the JSON unmarshalling fails, this error is returned
// and the read loop closes. It is the responsibility of the caller
// to de-register the client once the connection closes.
func (client *socketClient) Read(receiveCh chan<- *SocketMessage, done <-chan struct{}) error {
	for {
		var recv SocketMessage
		if err := client.socket.ReadJSON(&recv); err != nil {
			return err
		}

		id := client.id
		recv.Origin = &id
		select {
		case receiveCh <- &recv:
		case <-done:
			return nil
		}
	}
}

func (client *socketClient) Close() {
	client.socket.Close()
}
