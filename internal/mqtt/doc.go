// Package mqtt mirrors Vigil's state into Home Assistant through MQTT
// discovery and accepts the manual trigger as an MQTT command.
//
// The publisher uses Eclipse Paho v2's [autopaho] for connection
// management. On every (re-)connect it publishes retained discovery
// payloads, a birth message on the availability topic, the current
// state of every entity, and re-subscribes to the command topic. A will
// message turns availability "offline" on unexpected disconnects.
// Between connects, state follows surface writes published on the
// event bus.
package mqtt
