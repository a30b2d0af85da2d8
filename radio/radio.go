// Package radio defines the driver boundary the forwarding pipeline
// talks to: radio.send(frame_bytes) -> Result, radio.on_receive(callback).
// The core never touches pin configuration; mqttradio and serialradio are
// the two concrete transports this repository ships.
package radio

// ReceiveFunc is invoked for every frame the driver hears, with the
// observed signal-to-noise ratio where the underlying transport can
// report one (0 otherwise).
type ReceiveFunc func(frame []byte, snr int8)

// Radio is the interface the forwarding pipeline's Router depends on. It
// is a superset of router.Radio (Send only) because the driver side also
// needs to register its reception callback.
type Radio interface {
	Send(frame []byte) error
	OnReceive(fn ReceiveFunc)
}
