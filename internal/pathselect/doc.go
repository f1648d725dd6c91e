// Package pathselect chooses relay paths for circuits.
//
// A path is built guard first, exit last. The exit is chosen before anything
// else so that the guard and middle hops can avoid its country. Within each
// role a relay is drawn at random with probability proportional to its
// consensus bandwidth. No relay and no country appears twice in a path.
package pathselect
