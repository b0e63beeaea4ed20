// Package mqtt publishes Kindred's status to Home Assistant over MQTT.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects. Sensor states (today's plan,
// conversations in memory, token usage) are pushed on a fixed
// interval.
package mqtt
