// Package logx is jobsched's logging layer on top of zerolog.
//
// Console lines carry a short timestamp and a file:line caller; the file
// sink writes JSON. Repeated warnings can be bounded with a Sampler.
package logx
