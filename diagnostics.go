package securemonitor

import "github.com/rs/zerolog"

// fatalf logs a structured diagnostic describing a condition that proves
// control-flow integrity has been, or is about to be, violated, then
// panics. Recovering from any of these would mean continuing to run code
// an attacker may already control; a freestanding build of this monitor
// would instead disable interrupts and spin forever. Hosted Go code
// expresses the same "permanently halt" intent with panic, which also lets
// the fatal conditions be exercised as ordinary recover()-based tests.
//
// kv is a flat key/value list (Str, int, uint32, ...) attached to the log
// event for postmortem diagnosis; it is not part of the panic value itself.
func fatalf(log zerolog.Logger, component, msg string, kv ...any) {
	ev := log.Error().Str("component", component)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
	panic(component + ": " + msg)
}
