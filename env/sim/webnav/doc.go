// Package webnav is a scripted web navigation simulator.
//
// A task describes a small static site as pages of accessibility-tree
// elements, an objective, and how to score the outcome. The agent drives a
// text browser with actions such as "click [3]", "type [2] [laptop]",
// "goto [url]", "go_back" and "stop [answer]". Rewards are only known at the
// end of an episode, so the env implements sim.Evaluator and is usually run
// behind a worker channel.
package webnav
