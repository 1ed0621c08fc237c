// Package mqtt bridges voicetask to an MQTT broker. Voice satellites
// publish transcripts to <base>/transcript and the bridge feeds them to
// the SDK's listening gate. Task lifecycle events go back out on
// <base>/events/<kind> as JSON.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects on its own. On every (re-)connect the bridge
// re-subscribes, publishes a retained "online" to <base>/availability
// and refreshes the retained <base>/status document. A will message
// flips availability to "offline" on unexpected disconnects.
package mqtt
