// Package backend defines the common interface that all compilation tiers
// (baseline template compiler, optimizing compiler) must implement, along
// with the domain types exchanged between the compilation manager and
// compiler implementations.
package backend
