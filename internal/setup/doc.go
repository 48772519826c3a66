// Package setup drives integrations through their lifecycle: resolve,
// install requirements, validate config, run the component's Setup,
// mark the domain loaded.
//
// Setup of one domain runs at most once at a time; concurrent callers
// share the single in-flight result. Dependencies set up concurrently
// before their dependent, after-dependencies are awaited when already
// mid-setup but never triggered. The component's Setup runs under a
// bounded timeout scope with a slow-setup warning; dependency and
// requirement waits freeze that clock so a slow install is not charged
// to the component.
package setup
