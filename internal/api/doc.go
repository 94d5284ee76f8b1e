// Package api provides the REST client for the game server's HTTP
// surface: health probing and the out-of-band commands that do not ride
// the event stream.
package api
