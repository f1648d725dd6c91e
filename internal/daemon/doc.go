// Package daemon starts a private anonymity daemon with nao1215/tornago so
// anonctl can work without a system service. It only manages the process;
// all control traffic goes through the control package.
//
// Bootstrapping takes one to three minutes on a cold start.
package daemon
