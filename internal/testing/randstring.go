// Package testing contains helpers shared by package tests: random names,
// a scripted random source and a scheduler driven by a virtual clock.
package testing

import (
	"math/rand"
	"strings"
)

const charSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString generates random string with 10 symbols length from lower- and uppercase alphabet
func RandString() string {
	var out strings.Builder
	length := 10
	for i := 0; i < length; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}

// RandRoomID returns a room id unlikely to collide between parallel tests
func RandRoomID() string {
	return "room-" + strings.ToLower(RandString())
}
