package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Темы, на которые клиенты подписаны по умолчанию
const (
	TopicChat  = "chat"
	TopicTasks = "tasks"
)

// Manager управляет WebSocket-соединениями и рассылкой событий сессии
type Manager struct {
	clients    map[uuid.UUID]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	done       chan struct{}
	mu         sync.RWMutex
}

// Client представляет одно WebSocket-соединение.
// Topics меняется из readPump и читается из цикла рассылки,
// поэтому карта защищена собственным мьютексом.
type Client struct {
	ID      uuid.UUID
	UserID  string
	Conn    *websocket.Conn
	Manager *Manager
	Send    chan []byte

	topicsMu sync.Mutex
	Topics   map[string]bool
}

// Message — событие, уходящее клиентам
type Message struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	Target  string      `json:"target,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Источники фильтрует CORS-слой выше
		return true
	},
}

// NewManager создает новый менеджер соединений
func NewManager() *Manager {
	return &Manager{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 64),
		done:       make(chan struct{}),
	}
}

// Start запускает цикл обработки в отдельной горутине
func (m *Manager) Start() {
	go m.run()
}

// Stop останавливает цикл обработки
func (m *Manager) Stop() {
	close(m.done)
}

// run обрабатывает регистрацию клиентов и рассылку сообщений
func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			m.mu.Lock()
			for id, client := range m.clients {
				close(client.Send)
				delete(m.clients, id)
			}
			m.mu.Unlock()
			return

		case client := <-m.register:
			m.mu.Lock()
			m.clients[client.ID] = client
			m.mu.Unlock()
			log.Debug().Str("clientID", client.ID.String()).Msg("WebSocket-клиент подключен")

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client.ID]; ok {
				close(client.Send)
				delete(m.clients, client.ID)
				log.Debug().Str("clientID", client.ID.String()).Msg("WebSocket-клиент отключен")
			}
			m.mu.Unlock()

		case message := <-m.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				log.Error().Err(err).Msg("Ошибка маршалинга WebSocket-сообщения")
				continue
			}

			m.mu.Lock()
			for _, client := range m.clients {
				if !client.IsSubscribed(message.Topic) {
					continue
				}
				if message.Target != "" && message.Target != "broadcast" && client.UserID != message.Target {
					continue
				}
				select {
				case client.Send <- data:
				default:
					// Медленный клиент отключается, чтобы не блокировать рассылку
					close(client.Send)
					delete(m.clients, client.ID)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Handler обрабатывает новые WebSocket-соединения
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("Ошибка апгрейда WebSocket-соединения")
			return
		}

		client := &Client{
			ID:      uuid.New(),
			UserID:  r.URL.Query().Get("user_id"),
			Conn:    conn,
			Manager: m,
			Send:    make(chan []byte, 256),
			Topics: map[string]bool{
				TopicChat:  true,
				TopicTasks: true,
			},
		}

		m.register <- client

		go client.readPump()
		go client.writePump()
	})
}

// SendToUser отправляет событие конкретному пользователю
func (m *Manager) SendToUser(userID, messageType, topic string, payload interface{}) {
	m.send(Message{Type: messageType, Topic: topic, Payload: payload, Target: userID})
}

// Broadcast отправляет событие всем подписанным на тему клиентам
func (m *Manager) Broadcast(messageType, topic string, payload interface{}) {
	m.send(Message{Type: messageType, Topic: topic, Payload: payload, Target: "broadcast"})
}

// send кладет сообщение в очередь рассылки, не блокируя отправителя
func (m *Manager) send(message Message) {
	select {
	case m.broadcast <- message:
	case <-m.done:
	default:
		log.Warn().Str("type", message.Type).Msg("Очередь WebSocket-рассылки переполнена, событие отброшено")
	}
}

// readPump читает команды клиента: подписку и отписку от тем
func (c *Client) readPump() {
	defer func() {
		c.Manager.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("Ошибка чтения WebSocket")
			}
			break
		}

		var cmd struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Debug().Err(err).Msg("Ошибка разбора WebSocket-команды")
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.Subscribe(cmd.Topic)
		case "unsubscribe":
			c.Unsubscribe(cmd.Topic)
		}
	}
}

// writePump отправляет сообщения клиенту и поддерживает соединение пингами
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe подписывает клиента на тему
func (c *Client) Subscribe(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	c.Topics[topic] = true
}

// Unsubscribe отписывает клиента от темы
func (c *Client) Unsubscribe(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	delete(c.Topics, topic)
}

// IsSubscribed проверяет подписку клиента на тему
func (c *Client) IsSubscribed(topic string) bool {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	return c.Topics[topic]
}
