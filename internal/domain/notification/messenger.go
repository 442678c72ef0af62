package notification

import "context"

// Push is what a device receives for a notification.
type Push struct {
	Title string
	Body  string
	Data  map[string]string
}

// PushFor renders n for delivery. Clients route on Data["type"].
func PushFor(n *Notification) Push {
	data := map[string]string{"type": string(n.Type), "notificationId": n.ID}
	if n.ItemID != nil {
		data["itemId"] = *n.ItemID
	}
	return Push{Title: n.Title, Body: n.Message, Data: data}
}

// Messenger delivers a push to device tokens. Tokens the push service
// reports as dead are retired by the implementation.
type Messenger interface {
	Deliver(ctx context.Context, tokens []string, p Push) error
}
