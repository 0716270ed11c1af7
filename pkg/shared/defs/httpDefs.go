package defs

import "time"

type ServerModel struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Prefix  string    `json:"prefix"`
	Started time.Time `json:"started"`
	Ready   bool      `json:"ready"`
}

type UserModel struct {
	Name         string         `json:"name"`
	Admin        bool           `json:"admin"`
	Created      time.Time      `json:"created"`
	LastActivity *time.Time     `json:"last_activity"`
	Server       *ServerModel   `json:"server"`
	AuthState    map[string]any `json:"auth_state,omitempty"`
}

type WhoAmI struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
	Kind  string `json:"kind"`
}

type Health struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Servers  int    `json:"servers"`
}
