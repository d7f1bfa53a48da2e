package domain

import "time"

// AdRecord is a sent ad message scheduled for deletion after a TTL.
type AdRecord struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	MessageHandle string    `json:"message_handle"`
	SentAt        time.Time `json:"sent_at"`
	TTLMinutes    int       `json:"ttl_minutes"`
}

func (r AdRecord) Expired(now time.Time) bool {
	return !now.Before(r.SentAt.Add(time.Duration(r.TTLMinutes) * time.Minute))
}
