// Package roadtrip is an in-process grid driving simulator.
//
// The player drives a Tesla over a grid of roads, homes, parks,
// superchargers, water and buildings. Every move drains one unit of battery;
// homes and superchargers recharge it. Visiting a new park scores a point and
// yields a reward of 1. The episode ends when every park has been visited or
// the battery runs out away from a charger.
//
// Levels come from the task catalog under the "roadtrip" kind. A new env
// starts on the built-in level, so sessions of this kind are ready as soon as
// they are created.
package roadtrip
