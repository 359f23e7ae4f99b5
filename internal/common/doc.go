// Package common holds the small shared contracts the control plane's
// long-running services agree on, currently the Stoppable shutdown
// interface. The scheduler and the config manager both implement it so the
// daemon can drain them uniformly at exit.
package common
