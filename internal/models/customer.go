package models

import "time"

type Customer struct {
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
