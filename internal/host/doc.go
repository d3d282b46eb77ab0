// Package host models the host application that scripts run inside.
//
// The host owns a single main thread. Everything that touches application
// state, including script loading and the module search path, must run on
// it. Other goroutines reach the main thread through named custom events:
//
//	app := host.New(host.Options{Logger: log})
//	ev, _ := app.RegisterCustomEvent("scriptbridge_run_script")
//	ev.Add(handler)
//
//	// From any goroutine; never blocks on the main loop.
//	_ = app.FireCustomEvent("scriptbridge_run_script", payload)
//
//	// On the goroutine that owns main-thread affinity:
//	_ = app.Run(ctx)
//
// Events are delivered one at a time, in the order they were fired, and are
// serialised with every other task posted to the loop.
package host
