// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package status define o resultado tipado compartilhado por engine, write
// buffer e API pública do N-KV.
package status

import (
	"errors"
	"fmt"
)

// Kind identifica a categoria de um Status.
type Kind int

const (
	// KindOK indica sucesso. Nunca é materializado como erro: operações
	// bem-sucedidas retornam error nil.
	KindOK Kind = iota
	// KindNotFound indica chave ausente no buffer e no engine.
	KindNotFound
	// KindDeleteOrder é interno: tombstone encontrado no write buffer.
	// É traduzido para NotFound na fronteira pública de leitura.
	KindDeleteOrder
	// KindIOError indica filesystem degradado, violação de bounds,
	// falha do compressor ou database fechado.
	KindIOError
	// KindInvalidArgument indica stream de chunks malformado detectado
	// pelas camadas inferiores.
	KindInvalidArgument
)

// String retorna o nome da categoria.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindNotFound:
		return "NotFound"
	case KindDeleteOrder:
		return "DeleteOrder"
	case KindIOError:
		return "IOError"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Status carrega uma categoria e uma mensagem opcional. Implementa error;
// o primeiro erro vence e é propagado sem wrap adicional (a mensagem já
// carrega o contexto de origem).
type Status struct {
	kind    Kind
	message string
}

// Error implementa a interface error.
func (s *Status) Error() string {
	if s.message == "" {
		return s.kind.String()
	}
	return fmt.Sprintf("%s: %s", s.kind, s.message)
}

// Kind retorna a categoria do status.
func (s *Status) Kind() Kind {
	return s.kind
}

// Message retorna a mensagem opcional.
func (s *Status) Message() string {
	return s.message
}

// NotFound cria um status NotFound.
func NotFound() *Status {
	return &Status{kind: KindNotFound}
}

// DeleteOrder cria um status DeleteOrder (tombstone no buffer).
func DeleteOrder() *Status {
	return &Status{kind: KindDeleteOrder}
}

// IOError cria um status IOError com mensagem formatada.
func IOError(format string, args ...any) *Status {
	return &Status{kind: KindIOError, message: fmt.Sprintf(format, args...)}
}

// InvalidArgument cria um status InvalidArgument com mensagem formatada.
func InvalidArgument(format string, args ...any) *Status {
	return &Status{kind: KindInvalidArgument, message: fmt.Sprintf(format, args...)}
}

// kindOf extrai a categoria de um erro arbitrário.
// error nil é OK; erro que não é *Status é tratado como IOError.
func kindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var s *Status
	if errors.As(err, &s) {
		return s.kind
	}
	return KindIOError
}

// IsOK retorna true quando err representa sucesso.
func IsOK(err error) bool {
	return kindOf(err) == KindOK
}

// IsNotFound retorna true para status NotFound.
func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

// IsDeleteOrder retorna true para o status interno DeleteOrder.
func IsDeleteOrder(err error) bool {
	return kindOf(err) == KindDeleteOrder
}

// IsIOError retorna true para status IOError (inclui erros não tipados).
func IsIOError(err error) bool {
	return kindOf(err) == KindIOError
}

// IsInvalidArgument retorna true para status InvalidArgument.
func IsInvalidArgument(err error) bool {
	return kindOf(err) == KindInvalidArgument
}
