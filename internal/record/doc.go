// Package record defines the value model for rows flowing through rowhooks.
//
// A Row is an Object: a plain mapping from field name to Value. The sealed
// Value interface keeps the set of shapes closed so that merge, equality and
// canonical serialization can switch exhaustively over them.
//
// Object is the only plain mapping. Bytes and Time are opaque values that are
// never descended into, which keeps the deep-merge classification explicit.
//
// This package imports nothing internal; every other internal package may
// depend on it.
package record
