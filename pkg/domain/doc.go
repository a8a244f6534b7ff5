/*
Package domain contains the shared vocabulary of the Espalier engine.

It defines the slot schema a conversation runs against and the wire form of
an incoming user message. This package is kept pure and free of external
dependencies like I/O or persistence, following Hexagonal Architecture
principles.

# Key Entities

  - Slot: A named, typed piece of conversation state, optionally seeded
    with an initial value.
  - Domain: The collection of declared slots for an assistant.
  - Message: A turn's parsed user input, carrying text, intent, entities
    and the command batch produced upstream.
*/
package domain
