// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sas

// Symbol is one entry of the SAS emoji table.
type Symbol struct {
	Emoji       string `json:"emoji"`
	Description string `json:"description"`
}

// Emoji is the 64-entry table indexed by 6-bit SAS groups, in the
// order every Matrix client uses.
var Emoji = [64]Symbol{
	{"🐶", "Dog"},
	{"🐱", "Cat"},
	{"🦁", "Lion"},
	{"🐎", "Horse"},
	{"🦄", "Unicorn"},
	{"🐷", "Pig"},
	{"🐘", "Elephant"},
	{"🐰", "Rabbit"},
	{"🐼", "Panda"},
	{"🐓", "Rooster"},
	{"🐧", "Penguin"},
	{"🐢", "Turtle"},
	{"🐟", "Fish"},
	{"🐙", "Octopus"},
	{"🦋", "Butterfly"},
	{"🌷", "Flower"},
	{"🌳", "Tree"},
	{"🌵", "Cactus"},
	{"🍄", "Mushroom"},
	{"🌏", "Globe"},
	{"🌙", "Moon"},
	{"☁️", "Cloud"},
	{"🔥", "Fire"},
	{"🍌", "Banana"},
	{"🍎", "Apple"},
	{"🍓", "Strawberry"},
	{"🌽", "Corn"},
	{"🍕", "Pizza"},
	{"🎂", "Cake"},
	{"❤️", "Heart"},
	{"😀", "Smiley"},
	{"🤖", "Robot"},
	{"🎩", "Hat"},
	{"👓", "Glasses"},
	{"🔧", "Spanner"},
	{"🎅", "Santa"},
	{"👍", "Thumbs Up"},
	{"☂️", "Umbrella"},
	{"⌛", "Hourglass"},
	{"⏰", "Clock"},
	{"🎁", "Gift"},
	{"💡", "Light Bulb"},
	{"📕", "Book"},
	{"✏️", "Pencil"},
	{"📎", "Paperclip"},
	{"✂️", "Scissors"},
	{"🔒", "Lock"},
	{"🔑", "Key"},
	{"🔨", "Hammer"},
	{"☎️", "Telephone"},
	{"🏁", "Flag"},
	{"🚂", "Train"},
	{"🚲", "Bicycle"},
	{"✈️", "Aeroplane"},
	{"🚀", "Rocket"},
	{"🏆", "Trophy"},
	{"⚽", "Ball"},
	{"🎸", "Guitar"},
	{"🎺", "Trumpet"},
	{"🔔", "Bell"},
	{"⚓", "Anchor"},
	{"🎧", "Headphones"},
	{"📁", "Folder"},
	{"📌", "Pin"},
}
