package notification

import "sync"

const NOTIFICATION_ALL string = "all"

// Progress describes the state of an ingestion run as it advances, keyed by
// the user who triggered it.
type Progress struct {
	UserId        string `json:"user_id"`
	AccountId     string `json:"account_id"`
	EmailAddress  string `json:"email_address"`
	Phase         string `json:"phase"`
	AccountsDone  int    `json:"accounts_done"`
	AccountsTotal int    `json:"accounts_total"`
	Seen          int    `json:"seen"`
	Processed     int    `json:"processed"`
	Inserted      int    `json:"inserted"`
	Error         string `json:"error,omitempty"`
}

// Hub fans run progress out to subscribers. Sends never block: a stalled
// SSE client drops events rather than stalling the ingestion worker.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string][]chan Progress
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Progress),
	}
}

func (h *Hub) Publish(progress Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subscriber := range h.subscribers[progress.UserId] {
		pushToSubscriber(subscriber, progress)
	}
	for _, subscriber := range h.subscribers[NOTIFICATION_ALL] {
		pushToSubscriber(subscriber, progress)
	}
}

func (h *Hub) Subscribe(userId string) chan Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriber := make(chan Progress, 16)
	h.subscribers[userId] = append(h.subscribers[userId], subscriber)
	return subscriber
}

func (h *Hub) Unsubscribe(userId string, subscriber chan Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[userId]
	for i, candidate := range subscribers {
		if candidate == subscriber {
			h.subscribers[userId] = append(subscribers[:i], subscribers[i+1:]...)
			close(subscriber)
			break
		}
	}
	if len(h.subscribers[userId]) == 0 {
		delete(h.subscribers, userId)
	}
}

func pushToSubscriber(subscriber chan<- Progress, progress Progress) {
	select {
	case subscriber <- progress:
	default:
	}
}
