package scheduler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/jokemanfire/assistant/pkg/apperror"
	"github.com/jokemanfire/assistant/pkg/logger"
)

// streamChunkSize размер одного чанка при стриминге
const streamChunkSize = 4096

// ProxyResponse ответ worker'а: статус, заголовки, тело
type ProxyResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// StreamResult один элемент стрима: чанк ответа или ошибка
type StreamResult struct {
	Resp *ProxyResponse
	Err  error
}

// pickRunning выбирает любой Running инстанс; tie-break - первый
// найденный. Решения о нагрузке принимает load gate на границе
// запроса, а не диспетчер.
func (s *Scheduler) pickRunning() (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.instances {
		if rec.inst.Status == StatusRunning {
			inst := rec.inst
			return &inst, nil
		}
	}
	return nil, apperror.NoCandidate()
}

// Forward проксирует unary запрос к живому инстансу
func (s *Scheduler) Forward(ctx context.Context, path, method string, body []byte, headers map[string]string) (*ProxyResponse, error) {
	inst, err := s.pickRunning()
	if err != nil {
		return nil, err
	}

	req, err := s.newWorkerRequest(ctx, inst, path, method, body, headers)
	if err != nil {
		return nil, apperror.Upstream(err)
	}

	logger.Debug("Forwarding request", "instance", inst.ID, "url", req.URL.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Upstream(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Upstream(err)
	}

	return &ProxyResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    respBody,
	}, nil
}

// ForwardStream проксирует стриминговый запрос. Кандидат выбирается
// синхронно; дальше одна горутина тянет байты worker'а и отдаёт их
// чанками в out, сохраняя порядок. Канал закрывается по концу стрима
// или ошибке; отмена ctx завершает и producer, и upstream-вызов.
func (s *Scheduler) ForwardStream(ctx context.Context, path, method string, body []byte, headers map[string]string, out chan<- StreamResult) error {
	inst, err := s.pickRunning()
	if err != nil {
		return err
	}

	go func() {
		defer close(out)

		req, err := s.newWorkerRequest(ctx, inst, path, method, body, headers)
		if err != nil {
			emit(ctx, out, StreamResult{Err: apperror.Upstream(err)})
			return
		}

		logger.Debug("Forwarding stream request", "instance", inst.ID, "url", req.URL.String())

		resp, err := s.httpClient.Do(req)
		if err != nil {
			emit(ctx, out, StreamResult{Err: apperror.Upstream(err)})
			return
		}
		defer resp.Body.Close()

		status := resp.StatusCode
		respHeaders := flattenHeaders(resp.Header)

		buf := make([]byte, streamChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ok := emit(ctx, out, StreamResult{Resp: &ProxyResponse{
					Status:  status,
					Headers: respHeaders,
					Body:    chunk,
				}})
				if !ok {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					emit(ctx, out, StreamResult{Err: apperror.Upstream(err)})
				}
				return
			}
		}
	}()

	return nil
}

// emit блокируется на полном канале (backpressure, чанки не
// теряются), но уступает отмене потребителя
func emit(ctx context.Context, out chan<- StreamResult, res StreamResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) newWorkerRequest(ctx context.Context, inst *Instance, path, method string, body []byte, headers map[string]string) (*http.Request, error) {
	url := "http://" + inst.ServerAddr + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// Входящие заголовки уходят worker'у как есть: прямая запись в
	// map обходит канонизацию имён, регистр сохраняется
	for key, value := range headers {
		req.Header[key] = []string{value}
	}
	return req, nil
}

// flattenHeaders переводит заголовки ответа во внутреннюю форму:
// многозначные склеиваются запятой, не-UTF8 значения заменяются
// пустой строкой
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		value := strings.Join(values, ",")
		if !utf8.ValidString(value) {
			value = ""
		}
		out[key] = value
	}
	return out
}
