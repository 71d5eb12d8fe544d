// Package dto holds the frame types every binaflow router understands without
// any schema file: the Ping/Pong liveness pair and the Error frame.
//
// The matching protobuf definitions live in schemas/binaflow.proto.
package dto
